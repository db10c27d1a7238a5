package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/hashstack/foreman/pkg/security"
	"github.com/hashstack/foreman/pkg/types"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage collector keys",
}

var keysCreateCmd = &cobra.Command{
	Use:   "create SITE_ID",
	Short: "Provision a collector key for a site",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		key, err := security.GenerateCollectorKey()
		if err != nil {
			return err
		}
		row := &types.CollectorKey{
			ID:        uuid.New().String(),
			SiteID:    args[0],
			KeyHash:   security.HashKey(key),
			CreatedAt: time.Now().UTC(),
		}
		if err := store.InsertCollectorKey(context.Background(), row); err != nil {
			return err
		}

		fmt.Printf("✓ Collector key created for site %s\n", row.SiteID)
		fmt.Printf("  Key ID: %s\n", row.ID)
		fmt.Println()
		fmt.Println("Store this credential now; only its hash is kept:")
		fmt.Printf("  %s\n", key)
		return nil
	},
}

var keysListCmd = &cobra.Command{
	Use:   "list SITE_ID",
	Short: "List collector keys for a site",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		keys, err := store.ListCollectorKeys(context.Background(), args[0])
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			fmt.Println("No collector keys for this site.")
			return nil
		}
		for _, k := range keys {
			status := "active"
			if k.RevokedAt != nil {
				status = "revoked " + k.RevokedAt.Format(time.RFC3339)
			}
			fmt.Printf("%-36s created %s  %s\n", k.ID, k.CreatedAt.Format(time.RFC3339), status)
		}
		return nil
	},
}

var keysRevokeCmd = &cobra.Command{
	Use:   "revoke KEY_ID",
	Short: "Revoke a collector key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.RevokeCollectorKey(context.Background(), args[0], time.Now().UTC()); err != nil {
			return err
		}
		fmt.Printf("✓ Key %s revoked\n", args[0])
		return nil
	},
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "Manage edge devices",
}

var devicesRegisterCmd = &cobra.Command{
	Use:   "register TENANT_ID SITE_ID NAME",
	Short: "Register an edge device and print its signing secret",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, cfg, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		if cfg.SessionSecret == "" {
			return fmt.Errorf("SESSION_SECRET is required to encrypt the device secret")
		}
		secrets, err := security.NewSecretsManagerFromPassword(cfg.SessionSecret)
		if err != nil {
			return err
		}

		secret, err := security.GenerateDeviceSecret()
		if err != nil {
			return err
		}
		encrypted, err := secrets.EncryptSecret(secret)
		if err != nil {
			return err
		}
		device := &types.Device{
			ID:              uuid.New().String(),
			TenantID:        args[0],
			SiteID:          args[1],
			Name:            args[2],
			EncryptedSecret: encrypted,
			CreatedAt:       time.Now().UTC(),
		}
		if err := store.InsertDevice(context.Background(), device); err != nil {
			return err
		}

		fmt.Printf("✓ Device %s registered for site %s\n", device.Name, device.SiteID)
		fmt.Printf("  Device ID: %s\n", device.ID)
		fmt.Println()
		fmt.Println("Store this signing secret in the agent configuration:")
		fmt.Printf("  %s\n", base64.StdEncoding.EncodeToString(secret))
		return nil
	},
}

var devicesRevokeCmd = &cobra.Command{
	Use:   "revoke DEVICE_ID",
	Short: "Revoke an edge device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.RevokeDevice(context.Background(), args[0], time.Now().UTC()); err != nil {
			return err
		}
		fmt.Printf("✓ Device %s revoked\n", args[0])
		return nil
	},
}

func init() {
	keysCmd.AddCommand(keysCreateCmd)
	keysCmd.AddCommand(keysListCmd)
	keysCmd.AddCommand(keysRevokeCmd)

	devicesCmd.AddCommand(devicesRegisterCmd)
	devicesCmd.AddCommand(devicesRevokeCmd)
}
