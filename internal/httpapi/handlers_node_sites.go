package httpapi

import (
	"context"
	"net/http"

	"github.com/kestrelhq/fleetbackup/internal/ferrors"
	"github.com/kestrelhq/fleetbackup/internal/types"
)

type siteWireResponse struct {
	ID                int64          `json:"id"`
	UUID              string         `json:"uuid"`
	Name              string         `json:"name"`
	Timezone          string         `json:"timezone"`
	WPConfigPath      string         `json:"wp_config_path"`
	WPContentPath     string         `json:"wp_content_path"`
	DBHost            string         `json:"db_host"`
	DBName            string         `json:"db_name"`
	DBUser            string         `json:"db_user"`
	DBPassword        string         `json:"db_password"`
	StorageQuotaBytes int64          `json:"storage_quota_bytes"`
	StorageUsedBytes  int64          `json:"storage_used_bytes"`
	StorageProviderID int64          `json:"storage_provider_id"`
	Schedule          types.Schedule `json:"schedule"`
}

func toSiteWire(s types.Site) siteWireResponse {
	return siteWireResponse{
		ID:                s.ID,
		UUID:              s.UUID,
		Name:              s.Name,
		Timezone:          s.Timezone,
		WPConfigPath:      s.WPConfigPath,
		WPContentPath:     s.WPContentPath,
		DBHost:            s.DBHost,
		DBName:            s.DBName,
		DBUser:            s.DBUser,
		DBPassword:        s.DBPassword,
		StorageQuotaBytes: s.StorageQuotaBytes,
		StorageUsedBytes:  s.StorageUsedBytes,
		StorageProviderID: s.StorageProviderID,
		Schedule:          s.Schedule,
	}
}

// handleListSitesForNode serves a daemon's own site inventory: Master is
// the sole owner of Site records, the daemon keeps no durable copy and
// re-fetches this on every scheduler tick.
func (s *Server) handleListSitesForNode(w http.ResponseWriter, r *http.Request) {
	node, ok := nodeFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	sites, err := s.sites.ListByNode(r.Context(), node.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]siteWireResponse, 0, len(sites))
	for _, site := range sites {
		out = append(out, toSiteWire(site))
	}
	writeJSON(w, http.StatusOK, out)
}

type storageConfigResponse struct {
	Type      types.StorageProviderType `json:"type"`
	Endpoint  string                    `json:"endpoint"`
	Region    string                    `json:"region"`
	Bucket    string                    `json:"bucket"`
	AccessKey string                    `json:"access_key"`
	SecretKey string                    `json:"secret_key"`
}

// handleStorageConfigForNode unseals a site's assigned storage provider's
// credentials and hands them to the requesting Node over TLS for the
// life of one upload; falls back to the fleet's default
// provider when the site has none explicitly assigned.
func (s *Server) handleStorageConfigForNode(w http.ResponseWriter, r *http.Request) {
	node, ok := nodeFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	siteID := int64QueryParam(r, "site_id", 0)
	if siteID == 0 {
		writeError(w, ferrors.New(ferrors.Config, "site_id is required"))
		return
	}
	site, err := s.sites.GetByID(r.Context(), siteID)
	if err != nil {
		writeError(w, err)
		return
	}
	if site.NodeID != node.ID {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	provider, err := s.resolveSiteProvider(r.Context(), site)
	if err != nil {
		writeError(w, err)
		return
	}

	accessKey, secretKey, err := s.unsealProviderCredentials(provider)
	if err != nil {
		writeError(w, ferrors.Wrap(ferrors.Fatal, err, "unseal storage credentials"))
		return
	}

	writeJSON(w, http.StatusOK, storageConfigResponse{
		Type:      provider.Type,
		Endpoint:  provider.Endpoint,
		Region:    provider.Region,
		Bucket:    provider.Bucket,
		AccessKey: accessKey,
		SecretKey: secretKey,
	})
}

// resolveSiteProvider returns a site's explicitly assigned provider, or
// the fleet default if none is set.
func (s *Server) resolveSiteProvider(ctx context.Context, site types.Site) (types.StorageProvider, error) {
	if site.StorageProviderID != 0 {
		return s.storageProviders.GetByID(ctx, site.StorageProviderID)
	}
	return s.storageProviders.Default(ctx)
}

func (s *Server) unsealProviderCredentials(provider types.StorageProvider) (accessKey, secretKey string, err error) {
	ak, err := s.keyring.Open(provider.SealedAccessKey, provider.KeyGeneration)
	if err != nil {
		return "", "", err
	}
	sk, err := s.keyring.Open(provider.SealedSecretKey, provider.KeyGeneration)
	if err != nil {
		return "", "", err
	}
	return string(ak), string(sk), nil
}
