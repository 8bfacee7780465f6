// Package provision manages the device inventory: creating a device's
// OAuth2 credential at the identity provider, storing it sealed, and
// tearing everything down on removal.
package provision

import (
	"context"
	"errors"
	"fmt"

	"github.com/andres-erbsen/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/org/fleetrotate/internal/audit"
	"github.com/org/fleetrotate/internal/auth"
	"github.com/org/fleetrotate/internal/idp"
	"github.com/org/fleetrotate/internal/storage"
	"github.com/org/fleetrotate/internal/vault"
	"github.com/org/fleetrotate/pkg/models"
)

// ErrRotationInFlight is returned when deleting a device whose rotation is
// pending. Force the delete or wait for the rotation to settle.
var ErrRotationInFlight = errors.New("provision: rotation in flight")

// Service provisions and removes devices.
type Service struct {
	store    storage.Store
	idp      idp.Client
	vault    *vault.Vault
	recorder *audit.Recorder
	clock    clock.Clock
	log      zerolog.Logger
}

// NewService creates a provisioning Service.
func NewService(store storage.Store, client idp.Client, v *vault.Vault, recorder *audit.Recorder, clk clock.Clock, log zerolog.Logger) *Service {
	if clk == nil {
		clk = clock.New()
	}
	return &Service{store: store, idp: client, vault: v, recorder: recorder, clock: clk, log: log}
}

// Create registers a device: mints its OAuth2 credential at the provider,
// seals the secret, stores the record and returns the one-time bootstrap
// bundle. The API token and client secret are not retrievable afterwards.
func (s *Service) Create(ctx context.Context, name string) (*models.ProvisionedDevice, error) {
	if name == "" {
		return nil, errors.New("provision: device name is required")
	}
	if _, err := s.store.GetDeviceByName(ctx, name); err == nil {
		return nil, storage.ErrAlreadyExists
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	clientRef, secret, err := s.idp.CreateCredential(ctx, idp.CredentialSpec{Name: name})
	if err != nil {
		return nil, fmt.Errorf("creating credential: %w", err)
	}

	sealed, err := s.vault.Seal([]byte(secret))
	if err != nil {
		return nil, fmt.Errorf("sealing secret: %w", err)
	}
	token, tokenHash, err := auth.NewDeviceToken()
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	device := &models.Device{
		ID:               uuid.New(),
		Name:             name,
		ClientReference:  clientRef,
		RotationState:    models.RotationOK,
		SecretCiphertext: sealed,
		SecretCreatedAt:  now,
		APITokenHash:     tokenHash,
		CreatedAt:        now,
	}
	if err := s.store.CreateDevice(ctx, device); err != nil {
		// The credential exists at the provider but has no record here.
		// Drop it so the two systems stay consistent.
		if delErr := s.idp.DeleteCredential(ctx, clientRef); delErr != nil {
			s.log.Error().Err(delErr).Str("client_reference", clientRef).
				Msg("orphaned credential left at provider after failed device insert")
		}
		return nil, fmt.Errorf("storing device: %w", err)
	}

	s.recorder.Record(ctx, &device.ID, models.EventProvisioned, fmt.Sprintf("device %s", name))

	bundle := &models.ProvisionedDevice{
		Device:       device.Summary(),
		APIToken:     token,
		ClientSecret: secret,
	}
	bundle.EnvPayload = RenderEnvPayload(bundle)
	return bundle, nil
}

// Delete removes a device and its provider credential. A PENDING device is
// refused unless force is set; a credential already gone at the provider is
// treated as removed.
func (s *Service) Delete(ctx context.Context, id uuid.UUID, force bool) error {
	device, err := s.store.GetDevice(ctx, id)
	if err != nil {
		return err
	}
	if device.RotationState == models.RotationPending && !force {
		return ErrRotationInFlight
	}

	if err := s.idp.DeleteCredential(ctx, device.ClientReference); err != nil && !errors.Is(err, idp.ErrCredentialNotFound) {
		return fmt.Errorf("deleting credential: %w", err)
	}
	if err := s.store.DeleteDevice(ctx, id); err != nil {
		return err
	}

	s.recorder.Record(ctx, &id, models.EventDeleted, fmt.Sprintf("device %s", device.Name))
	return nil
}
