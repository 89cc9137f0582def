package commands

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/openunify/openunify/pkg/credentials"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newOAuthCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "oauth",
		Short: "Manage OAuth credentials",
		Long: `Runs the OAuth credential lifecycle: the initial token exchange, refreshes,
revocation and state inspection. Credentials are sealed with the configured
secrets key.`,
	}

	cmd.AddCommand(newOAuthInitCommand())
	cmd.AddCommand(newOAuthRefreshCommand())
	cmd.AddCommand(newOAuthRevokeCommand())
	cmd.AddCommand(newOAuthStateCommand())

	return cmd
}

// credentialView is a credential without its secrets.
type credentialView struct {
	Ref               string            `json:"ref"`
	State             credentials.State `json:"state"`
	Platform          string            `json:"platform"`
	OAuthDefinitionID string            `json:"oauthDefinitionId"`
	TokenType         string            `json:"tokenType,omitempty"`
	ExpiresAt         *time.Time        `json:"expiresAt,omitempty"`
	HasRefreshToken   bool              `json:"hasRefreshToken"`
	UpdatedAt         time.Time         `json:"updatedAt"`
}

func viewOf(ref string, c *credentials.Credential) credentialView {
	v := credentialView{
		Ref:               ref,
		State:             c.State,
		Platform:          c.Platform,
		OAuthDefinitionID: c.OAuthDefinitionID,
		TokenType:         c.TokenType,
		HasRefreshToken:   c.RefreshToken != "",
		UpdatedAt:         c.UpdatedAt,
	}
	if !c.ExpiresAt.IsZero() {
		expires := c.ExpiresAt
		v.ExpiresAt = &expires
	}
	return v
}

func printCredential(cmd *cobra.Command, v credentialView) error {
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), v)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Ref:      %s\n", v.Ref)
	fmt.Fprintf(out, "Platform: %s\n", v.Platform)
	fmt.Fprintf(out, "State:    %s\n", v.State)
	if v.ExpiresAt != nil {
		fmt.Fprintf(out, "Expires:  %s\n", v.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}

func newOAuthInitCommand() *cobra.Command {
	var (
		clientID     string
		clientSecret string
		metadata     string
	)

	cmd := &cobra.Command{
		Use:   "init <oauth-definition-id>",
		Short: "Exchange an authorization grant for a new credential",
		Long: `Runs the OAuth definition's init scripts and token exchange, then stores
the resulting credential under a new reference. Nothing is stored when any
step fails.

Example:
  unify oauth init oauth_hubspot --client-id abc --client-secret xyz \
    --metadata '{"code":"...","redirectUri":"https://app.example.com/cb"}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := credentials.InitPayload{ClientID: clientID, ClientSecret: clientSecret}
			if metadata != "" {
				data, err := readArg(metadata)
				if err != nil {
					return err
				}
				if err := json.Unmarshal(data, &payload.Metadata); err != nil {
					return fmt.Errorf("metadata must be a JSON object: %w", err)
				}
			}

			a, err := openApp(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer a.Close()

			ref, cred, err := a.creds.Init(cmd.Context(), args[0], payload)
			if err != nil {
				return err
			}
			log.Info().Str("ref", ref).Str("platform", cred.Platform).Msg("Credential created")
			return printCredential(cmd, viewOf(ref, cred))
		},
	}

	cmd.Flags().StringVar(&clientID, "client-id", "", "OAuth client id")
	cmd.Flags().StringVar(&clientSecret, "client-secret", "", "OAuth client secret")
	cmd.Flags().StringVar(&metadata, "metadata", "", "JSON object passed to the init scripts, or @file")
	_ = cmd.MarkFlagRequired("client-id")

	return cmd
}

func newOAuthRefreshCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh <ref>",
		Short: "Refresh a stored credential now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer a.Close()

			cred, err := a.creds.Refresh(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printCredential(cmd, viewOf(args[0], cred))
		},
	}
}

func newOAuthRevokeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <ref>",
		Short: "Revoke a stored credential",
		Long:  `Marks the credential revoked and wipes its tokens. Revoking twice is not an error.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.creds.Revoke(cmd.Context(), args[0]); err != nil {
				return err
			}
			log.Info().Str("ref", args[0]).Msg("Credential revoked")
			return nil
		},
	}
}

func newOAuthStateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "state <ref>",
		Short: "Show the lifecycle state of a credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer a.Close()

			state, err := a.creds.State(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), map[string]string{"ref": args[0], "state": string(state)})
			}
			fmt.Fprintln(cmd.OutOrStdout(), state)
			return nil
		},
	}
}
