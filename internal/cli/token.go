// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cli

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/toolgate/internal/auth"
)

// NewTokenCommand creates the token command.
func NewTokenCommand() *cobra.Command {
	var (
		subject string
		ttl     time.Duration
		scopes  []string
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for a remote client",
		Long: `Sign a JWT with the secret named by auth.jwt.secret_env. Clients send it
as "Authorization: Bearer <token>" when the gateway listens on a
non-loopback address.`,
		Example: `  TOOLGATE_JWT_SECRET=... toolgate token --subject laptop --ttl 72h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cfg.Auth.JWT.Enabled() {
				return &ExitError{Code: ExitConfig, Message: "auth.jwt.secret_env is not configured"}
			}
			jwtCfg, err := cfg.Auth.JWT.Resolve(os.Getenv)
			if err != nil {
				return &ExitError{Code: ExitConfig, Message: "failed to resolve signing secret", Cause: err}
			}
			if ttl <= 0 {
				return errors.New("--ttl must be positive")
			}

			token, err := auth.GenerateJWT(subject, ttl, scopes, jwtCfg)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "", "Token subject (required)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	cmd.Flags().StringSliceVar(&scopes, "scope", nil, "Scope to embed in the token (repeatable)")
	_ = cmd.MarkFlagRequired("subject")

	return cmd
}
