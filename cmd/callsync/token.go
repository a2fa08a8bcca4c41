package main

import (
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/callsync/internal/auth"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newTokenCommand() *cobra.Command {
	var userID int64
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a device bearer token for a CRM user",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			if err := appConfig.ValidateTokenMinting(); err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.SigningSecret),
				Issuer:        appConfig.TokenIssuer,
				Audience:      appConfig.TokenAudience,
				TokenTTL:      appConfig.TokenTTL,
			})
			if err != nil {
				return err
			}

			token, expiresIn, err := issuer.IssueDeviceToken(userID)
			if err != nil {
				return err
			}
			logger.Info("device token issued", zap.Int64("user_id", userID), zap.Int64("expires_in", expiresIn))
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires in %s\n", time.Duration(expiresIn)*time.Second)
			return nil
		},
	}
	cmd.Flags().Int64Var(&userID, "user-id", 0, "CRM user the token authenticates")
	_ = cmd.MarkFlagRequired("user-id")
	return cmd
}
