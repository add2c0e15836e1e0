package session

import (
	"fmt"
	"log/slog"
	"net/http"

	"wagate/internal/domain"
	"wagate/internal/providers"
	"wagate/internal/providers/cloudapi"
	"wagate/internal/providers/whatsmeow"
)

type FactoryOptions struct {
	Credentials *whatsmeow.CredentialStore
	HTTP        *http.Client
	Logger      *slog.Logger

	CloudAPIBaseURL string
	CloudAPIVersion string
	CloudAPIRPS     float64
	CloudAPIBurst   int
}

// NewFactory builds providers for both variants.
func NewFactory(o FactoryOptions) Factory {
	return func(name string, cfg domain.InstanceConfig, l providers.Listener) (providers.Provider, error) {
		switch cfg.Variant {
		case domain.VariantOfficial:
			return cloudapi.New(cloudapi.Options{
				Name:          name,
				AccessToken:   cfg.Official.AccessToken,
				PhoneNumberID: cfg.Official.PhoneNumberID,
				BaseURL:       o.CloudAPIBaseURL,
				Version:       o.CloudAPIVersion,
				HTTP:          o.HTTP,
				RPS:           o.CloudAPIRPS,
				Burst:         o.CloudAPIBurst,
			}), nil
		case domain.VariantUnofficial:
			if o.Credentials == nil {
				return nil, fmt.Errorf("%w: no credential store", domain.ErrConfig)
			}
			return whatsmeow.New(whatsmeow.Options{
				Name:     name,
				Store:    o.Credentials,
				Listener: l,
				HTTP:     o.HTTP,
				Logger:   o.Logger,
			}), nil
		}
		return nil, fmt.Errorf("%w: unknown variant %q", domain.ErrConfig, cfg.Variant)
	}
}
