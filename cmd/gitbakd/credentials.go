package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/bashhack/gitbakd/internal/config"
	"github.com/bashhack/gitbakd/internal/control"
	"github.com/bashhack/gitbakd/internal/credential"
)

// credentialBackend is served by the running agent when there is one, and by
// the credential directory directly otherwise.
type credentialBackend interface {
	Status(ctx context.Context) (credential.Status, error)
	Store(ctx context.Context, material []byte) (credential.Record, error)
	Remove(ctx context.Context) error
	Backups(ctx context.Context) ([]credential.Backup, error)
	Restore(ctx context.Context, name string) (credential.Record, error)
}

type remoteCredentials struct{ client *control.Client }

func (r remoteCredentials) Status(ctx context.Context) (credential.Status, error) {
	return r.client.CredentialStatus(ctx)
}

func (r remoteCredentials) Store(ctx context.Context, material []byte) (credential.Record, error) {
	return r.client.StoreCredential(ctx, material)
}

func (r remoteCredentials) Remove(ctx context.Context) error {
	return r.client.RemoveCredential(ctx)
}

func (r remoteCredentials) Backups(ctx context.Context) ([]credential.Backup, error) {
	return r.client.CredentialBackups(ctx)
}

func (r remoteCredentials) Restore(ctx context.Context, name string) (credential.Record, error) {
	return r.client.RestoreCredential(ctx, name)
}

type localCredentials struct{ m *credential.Manager }

func (l localCredentials) Status(context.Context) (credential.Status, error) {
	return l.m.Status(), nil
}

func (l localCredentials) Store(_ context.Context, material []byte) (credential.Record, error) {
	return l.m.Store(material)
}

func (l localCredentials) Remove(context.Context) error {
	return l.m.Remove()
}

func (l localCredentials) Backups(context.Context) ([]credential.Backup, error) {
	return l.m.Backups()
}

func (l localCredentials) Restore(_ context.Context, name string) (credential.Record, error) {
	return l.m.Restore(name)
}

func credentialsFor(cmd *cobra.Command) (credentialBackend, error) {
	client, cfg, err := clientFor(cmd)
	if err != nil {
		return nil, err
	}
	if client.Ping(cmd.Context()) {
		return remoteCredentials{client: client}, nil
	}
	return openLocalCredentials(cfg)
}

func openLocalCredentials(cfg *config.Config) (credentialBackend, error) {
	m, err := credential.NewManager(credential.Options{
		Dir:         cfg.CredentialDir,
		MaxFailures: cfg.MaxAuthFailures,
		Remote:      cfg.Remote,
	})
	if err != nil {
		return nil, err
	}
	return localCredentials{m: m}, nil
}

func newCredentialCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "credential",
		Aliases: []string{"cred"},
		Short:   "Manage the SSH key used for pushes",
	}

	var file string
	store := &cobra.Command{
		Use:   "store",
		Short: "Store a private key (from --file or stdin)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			material, err := readMaterial(cmd, file)
			if err != nil {
				return err
			}
			backend, err := credentialsFor(cmd)
			if err != nil {
				return err
			}
			rec, err := backend.Store(cmd.Context(), material)
			if err != nil {
				return err
			}
			cmd.Printf("🔑 Stored credential %s\n", rec.Fingerprint)
			return nil
		},
	}
	store.Flags().StringVarP(&file, "file", "f", "", "Read the key from this file instead of stdin")

	cmd.AddCommand(
		store,
		&cobra.Command{
			Use:   "status",
			Short: "Show the stored credential",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				backend, err := credentialsFor(cmd)
				if err != nil {
					return err
				}
				status, err := backend.Status(cmd.Context())
				if err != nil {
					return err
				}
				newPrinter(cmd.OutOrStdout()).credentialStatus(status)
				return nil
			},
		},
		&cobra.Command{
			Use:   "remove",
			Short: "Remove the stored key; backups are kept",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				backend, err := credentialsFor(cmd)
				if err != nil {
					return err
				}
				if err := backend.Remove(cmd.Context()); err != nil {
					return err
				}
				cmd.Println("🔑 Credential removed")
				return nil
			},
		},
		&cobra.Command{
			Use:   "backups",
			Short: "List replaced keys",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				backend, err := credentialsFor(cmd)
				if err != nil {
					return err
				}
				backups, err := backend.Backups(cmd.Context())
				if err != nil {
					return err
				}
				newPrinter(cmd.OutOrStdout()).backups(backups)
				return nil
			},
		},
		&cobra.Command{
			Use:   "restore <backup>",
			Short: "Make a backup the active key",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				backend, err := credentialsFor(cmd)
				if err != nil {
					return err
				}
				rec, err := backend.Restore(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				cmd.Printf("🔑 Restored %s (%s)\n", args[0], rec.Fingerprint)
				return nil
			},
		},
	)
	return cmd
}
