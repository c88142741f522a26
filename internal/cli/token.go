// Copyright 2025 The QI Survey Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/souphaphone-lao/qi-survey-webapp-sub001/surveysync"
)

func (a *app) tokenCommand() *cobra.Command {
	var (
		userID        string
		institutionID int64
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a development JWT for a user and institution",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if institutionID <= 0 {
				return fmt.Errorf("--institution must be a positive id")
			}
			token, err := surveysync.NewJWTAuth(a.cfg.JWT.Secret).GenerateToken(userID, institutionID, a.cfg.JWT.TTL)
			if err != nil {
				return fmt.Errorf("failed to generate token: %w", err)
			}
			printf(cmd, "%s\n", token)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "enumerator", "User id (sub claim)")
	cmd.Flags().Int64Var(&institutionID, "institution", 0, "Institution id (iid claim)")
	return cmd
}
