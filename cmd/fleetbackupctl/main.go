package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/kestrelhq/fleetbackup/internal/activity"
	"github.com/kestrelhq/fleetbackup/internal/auth"
	"github.com/kestrelhq/fleetbackup/internal/config"
	"github.com/kestrelhq/fleetbackup/internal/security"
	storemaster "github.com/kestrelhq/fleetbackup/internal/store/master"
	"github.com/kestrelhq/fleetbackup/internal/types"
)

// Exit codes: 0 success, 2 user error, 1 internal error.
const (
	exitOK        = 0
	exitInternal  = 1
	exitUserError = 2
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

// cliError carries an explicit exit code through cobra's error return,
// distinguishing a caller mistake (exit 2) from an internal failure
// (exit 1).
type cliError struct {
	code int
	err  error
}

func (e *cliError) Error() string { return e.err.Error() }

func userErrorf(format string, args ...any) error {
	return &cliError{code: exitUserError, err: fmt.Errorf(format, args...)}
}

func internalErrorf(err error, context string) error {
	return &cliError{code: exitInternal, err: fmt.Errorf("%s: %w", context, err)}
}

func exitCodeFor(err error) int {
	var ce *cliError
	if e, ok := err.(*cliError); ok {
		ce = e
		return ce.code
	}
	return exitInternal
}

var rootCmd = &cobra.Command{
	Use:   "fleetbackupctl",
	Short: "Administrative CLI for the WordPress fleet backup system",
	Long: `fleetbackupctl operates directly against Master's database for
the handful of operations that bypass the HTTP API entirely: user
lifecycle recovery, node approval, and fleet-wide provisioning.
Every subcommand writes an activity-log entry under actor "cli".`,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to master.yaml config file (for database_url)")
	rootCmd.AddCommand(listUsersCmd)
	rootCmd.AddCommand(resetPasswordCmd)
	rootCmd.AddCommand(disableMFACmd)
	rootCmd.AddCommand(approveNodeCmd)
	rootCmd.AddCommand(addStorageProviderCmd)
	rootCmd.AddCommand(setQuotaCmd)
}

// deps bundles the repositories and services every subcommand needs;
// built once per invocation from the resolved database connection.
type deps struct {
	db          *storemaster.UserRepository
	nodes       *storemaster.NodeRepository
	sites       *storemaster.SiteRepository
	providers   *storemaster.StorageProviderRepository
	activities  *activity.Recorder
	keyring     *security.KeyRing
}

func connect(cmd *cobra.Command) (context.Context, *deps, func(), error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadMaster(path)
	if err != nil {
		return nil, nil, nil, internalErrorf(err, "load config")
	}

	ctx := context.Background()
	db, err := storemaster.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, internalErrorf(err, "connect to database")
	}

	keyring, err := security.NewKeyRingFromHex(cfg.MasterKeyHex, cfg.PriorKeysHex...)
	if err != nil {
		db.Close()
		return nil, nil, nil, internalErrorf(err, "build keyring")
	}

	d := &deps{
		db:         storemaster.NewUserRepository(db),
		nodes:      storemaster.NewNodeRepository(db),
		sites:      storemaster.NewSiteRepository(db),
		providers:  storemaster.NewStorageProviderRepository(db),
		activities: activity.NewRecorder(storemaster.NewActivityRepository(db)),
		keyring:    keyring,
	}
	return ctx, d, func() { db.Close() }, nil
}

var listUsersCmd = &cobra.Command{
	Use:   "list-users",
	Short: "List every admin-console user account",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, d, closeFn, err := connect(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		users, err := d.db.List(ctx)
		if err != nil {
			return internalErrorf(err, "list users")
		}
		for _, u := range users {
			fmt.Printf("%d\t%s\t%s\tmfa=%v\n", u.ID, u.Username, u.Role, u.MFAEnabled)
		}
		_ = d.activities.Record(ctx, "cli", activity.Action("user.listed"), "users", nil)
		return nil
	},
}

var resetPasswordCmd = &cobra.Command{
	Use:   "reset-password <email>",
	Short: "Generate a new random password for a user and print it once",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, d, closeFn, err := connect(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		user, err := d.db.GetByUsername(ctx, args[0])
		if err != nil {
			if err == storemaster.ErrNotFound {
				return userErrorf("no such user: %s", args[0])
			}
			return internalErrorf(err, "look up user")
		}

		newPassword, err := security.GenerateAPIKey() // same random-token primitive, repurposed as a one-time password
		if err != nil {
			return internalErrorf(err, "generate password")
		}
		hash, err := auth.HashPassword(newPassword)
		if err != nil {
			return internalErrorf(err, "hash password")
		}
		if err := d.db.SetPasswordHash(ctx, user.ID, hash); err != nil {
			return internalErrorf(err, "set password hash")
		}
		_ = d.activities.Record(ctx, "cli", activity.ActionUserPasswordReset, fmt.Sprintf("user:%d", user.ID), nil)

		fmt.Printf("Password reset for %s:\n  %s\n", user.Username, newPassword)
		return nil
	},
}

var disableMFACmd = &cobra.Command{
	Use:   "disable-mfa <email>",
	Short: "Clear a user's TOTP enrollment (account-recovery path)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, d, closeFn, err := connect(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		user, err := d.db.GetByUsername(ctx, args[0])
		if err != nil {
			if err == storemaster.ErrNotFound {
				return userErrorf("no such user: %s", args[0])
			}
			return internalErrorf(err, "look up user")
		}
		if err := d.db.DisableMFA(ctx, user.ID); err != nil {
			return internalErrorf(err, "disable mfa")
		}
		_ = d.activities.Record(ctx, "cli", activity.ActionUserMFADisabled, fmt.Sprintf("user:%d", user.ID), nil)

		fmt.Printf("MFA disabled for %s\n", user.Username)
		return nil
	},
}

var approveNodeCmd = &cobra.Command{
	Use:   "approve-node <id>",
	Short: "Approve a pending node enrollment and mint its API key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		nodeID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return userErrorf("invalid node id: %s", args[0])
		}
		quotaBytes, _ := cmd.Flags().GetInt64("quota-bytes")

		ctx, d, closeFn, err := connect(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		node, err := d.nodes.GetByID(ctx, nodeID)
		if err != nil {
			if err == storemaster.ErrNotFound {
				return userErrorf("no such node: %d", nodeID)
			}
			return internalErrorf(err, "look up node")
		}
		if node.Status != types.NodeStatusPending {
			return userErrorf("node %d is not pending approval (status=%s)", nodeID, node.Status)
		}

		secret, err := security.GenerateAPIKey()
		if err != nil {
			return internalErrorf(err, "generate api key")
		}
		presented := fmt.Sprintf("%d.%s", nodeID, secret)
		hashed, err := security.HashAPIKey(presented)
		if err != nil {
			return internalErrorf(err, "hash api key")
		}
		if err := d.nodes.Approve(ctx, nodeID, hashed, quotaBytes); err != nil {
			return internalErrorf(err, "approve node")
		}
		_ = d.activities.Record(ctx, "cli", activity.ActionNodeApproved, fmt.Sprintf("node:%d", nodeID), nil)

		fmt.Printf("Node %d (%s) approved.\n", nodeID, node.Hostname)
		fmt.Printf("API key (shown once, give to the node operator):\n  %s\n", presented)
		return nil
	},
}

var addStorageProviderCmd = &cobra.Command{
	Use:   "add-storage-provider",
	Short: "Register a new S3-compatible storage provider",
	RunE: func(cmd *cobra.Command, args []string) error {
		bucket, _ := cmd.Flags().GetString("bucket")
		endpoint, _ := cmd.Flags().GetString("endpoint")
		region, _ := cmd.Flags().GetString("region")
		accessKey, _ := cmd.Flags().GetString("access-key")
		secretKey, _ := cmd.Flags().GetString("secret-key")
		limitBytes, _ := cmd.Flags().GetInt64("limit-bytes")
		isDefault, _ := cmd.Flags().GetBool("default")

		if bucket == "" || accessKey == "" || secretKey == "" {
			return userErrorf("--bucket, --access-key, and --secret-key are required")
		}

		ctx, d, closeFn, err := connect(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		sealedAccess, generation, err := d.keyring.Seal([]byte(accessKey))
		if err != nil {
			return internalErrorf(err, "seal access key")
		}
		sealedSecret, _, err := d.keyring.Seal([]byte(secretKey))
		if err != nil {
			return internalErrorf(err, "seal secret key")
		}

		provider, err := d.providers.Create(ctx, types.StorageProvider{
			Type:              types.StorageProviderS3,
			Endpoint:          endpoint,
			Region:            region,
			Bucket:            bucket,
			SealedAccessKey:   sealedAccess,
			SealedSecretKey:   sealedSecret,
			KeyGeneration:     generation,
			StorageLimitBytes: limitBytes,
			IsDefault:         isDefault,
			IsActive:          true,
		})
		if err != nil {
			return internalErrorf(err, "create storage provider")
		}
		_ = d.activities.Record(ctx, "cli", activity.ActionStorageProviderCreated, fmt.Sprintf("storage_provider:%d", provider.ID), map[string]any{
			"bucket": bucket,
		})

		fmt.Printf("Storage provider created: id=%d bucket=%s\n", provider.ID, provider.Bucket)
		return nil
	},
}

func init() {
	addStorageProviderCmd.Flags().String("bucket", "", "Bucket name (required)")
	addStorageProviderCmd.Flags().String("endpoint", "", "S3-compatible endpoint (empty for AWS S3)")
	addStorageProviderCmd.Flags().String("region", "us-east-1", "Bucket region")
	addStorageProviderCmd.Flags().String("access-key", "", "Access key (required)")
	addStorageProviderCmd.Flags().String("secret-key", "", "Secret key (required)")
	addStorageProviderCmd.Flags().Int64("limit-bytes", 0, "Aggregate storage ceiling across every site on this provider, 0 = unlimited")
	addStorageProviderCmd.Flags().Bool("default", false, "Mark this provider as the default for new sites")

	approveNodeCmd.Flags().Int64("quota-bytes", 0, "Storage quota to grant this node, 0 = unlimited")
}

var setQuotaCmd = &cobra.Command{
	Use:   "set-quota <node|site> <id> <bytes>",
	Short: "Set a node's or site's storage quota",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		target := args[0]
		id, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return userErrorf("invalid id: %s", args[1])
		}
		quotaBytes, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return userErrorf("invalid quota in bytes: %s", args[2])
		}

		ctx, d, closeFn, err := connect(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		switch target {
		case "node":
			if err := d.nodes.SetQuota(ctx, id, quotaBytes); err != nil {
				return internalErrorf(err, "set node quota")
			}
			_ = d.activities.Record(ctx, "cli", activity.ActionSiteQuotaUpdated, fmt.Sprintf("node:%d", id), map[string]any{"quota_bytes": quotaBytes})
		case "site":
			if err := d.sites.SetQuota(ctx, id, quotaBytes); err != nil {
				return internalErrorf(err, "set site quota")
			}
			_ = d.activities.Record(ctx, "cli", activity.ActionSiteQuotaUpdated, fmt.Sprintf("site:%d", id), map[string]any{"quota_bytes": quotaBytes})
		default:
			return userErrorf("target must be 'node' or 'site', got %q", target)
		}

		fmt.Printf("Quota set: %s %d -> %d bytes\n", target, id, quotaBytes)
		return nil
	},
}
