// Package pipeline runs the five-stage backup job for one site: dump_db,
// copy_files, bundle, upload, cleanup. It owns stage sequencing, progress
// accounting, cooperative cancellation, and crash recovery; it knows
// nothing about scheduling (internal/nodesched) or transport
// (internal/daemonclient) beyond the narrow interfaces it declares for
// reporting progress and talking to Master.
//
// Engine.Run is a job-execution loop: it runs the stages in order, reports
// progress after each one, and leaves the loop the moment a stage fails or
// cancellation is pending; the cleanup stage then always runs after the
// loop, before the terminal state is reported.
package pipeline
