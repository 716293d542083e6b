package cli

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/shaiso/Courier/internal/domain"
)

// NewSubscriptionCmd создаёт группу команд для webhook-подписок.
func NewSubscriptionCmd(envFn func() *Env, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "subscription",
		Short: "Manage webhook subscriptions",
	}

	cmd.AddCommand(
		newSubscriptionListCmd(envFn, outputFn),
		newSubscriptionAddCmd(envFn, outputFn),
		newSubscriptionDeleteCmd(envFn, outputFn),
	)

	return cmd
}

func newSubscriptionListCmd(envFn func() *Env, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List webhook subscriptions",
		RunE: func(cmd *cobra.Command, args []string) error {
			env := envFn()
			out := outputFn()

			store, err := env.Subscriptions(cmd.Context())
			if err != nil {
				return err
			}
			subs, err := store.List(cmd.Context())
			if err != nil {
				return err
			}

			headers := []string{"ID", "EVENT", "URL", "ENABLED", "CREATED"}
			rows := make([][]string, len(subs))
			for i, s := range subs {
				rows[i] = []string{s.ID.String(), s.Event, s.URL, strconv.FormatBool(s.Enabled), s.CreatedAt.Format(time.RFC3339)}
			}

			out.Print(headers, rows, subs)
			return nil
		},
	}
}

func newSubscriptionAddCmd(envFn func() *Env, outputFn func() *Output) *cobra.Command {
	var secretEnv string

	cmd := &cobra.Command{
		Use:   "add EVENT URL",
		Short: "Subscribe an endpoint to an event",
		Long: "Subscribe an endpoint to an event. The signing secret is read from " +
			"--secret-env or generated and printed once; only its ciphertext is stored.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			env := envFn()
			out := outputFn()

			var secret domain.Secret
			generated := secretEnv == ""
			if generated {
				buf := make([]byte, 32)
				if _, err := rand.Read(buf); err != nil {
					return err
				}
				secret = domain.Secret(hex.EncodeToString(buf))
			} else {
				v := getenv(secretEnv)
				if v == "" {
					return fmt.Errorf("environment variable %s is empty", secretEnv)
				}
				secret = domain.Secret(v)
			}
			defer secret.Wipe()

			cipher, err := env.Cipher()
			if err != nil {
				return err
			}
			ciphertext, err := cipher.EncryptString(secret.Reveal())
			if err != nil {
				return err
			}

			sub := &domain.Subscription{
				ID:               uuid.New(),
				Event:            args[0],
				URL:              args[1],
				SecretCiphertext: ciphertext,
				Enabled:          true,
				CreatedAt:        time.Now().UTC(),
			}
			if err := sub.Validate(); err != nil {
				return err
			}

			store, err := env.Subscriptions(cmd.Context())
			if err != nil {
				return err
			}
			if err := store.Create(cmd.Context(), sub); err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Subscription created: %s", sub.ID))
			if generated {
				out.Success("Signing secret (shown once):")
				out.Line(string(secret.Reveal()))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&secretEnv, "secret-env", "", "Environment variable holding the signing secret")

	return cmd
}

func newSubscriptionDeleteCmd(envFn func() *Env, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a webhook subscription",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env := envFn()
			out := outputFn()

			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid subscription id %q: %w", args[0], err)
			}

			store, err := env.Subscriptions(cmd.Context())
			if err != nil {
				return err
			}
			if err := store.Delete(cmd.Context(), id); err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Subscription deleted: %s", id))
			return nil
		},
	}
}
