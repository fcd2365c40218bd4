package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/registry/internal/agent"
	"github.com/MarcoPoloResearchLab/registry/internal/records"
	"github.com/MarcoPoloResearchLab/registry/internal/session"
	"github.com/spf13/cobra"
)

func newLoginCommand() *cobra.Command {
	var username string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in online, or against the cached account while offline",
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := promptPassword(cmd.OutOrStdout(), "Password")
			if err != nil {
				return err
			}
			return withAgent(cmd.Context(), func(ctx context.Context, runtime *agent.Agent) error {
				established, err := runtime.Sessions().Login(ctx, session.Credentials{Username: username, Password: password})
				if err != nil {
					return err
				}
				mode := "online"
				if established.Offline {
					mode = "offline"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "logged in as %s (%s, %s)\n", established.User.Username, established.User.Role, mode)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "Account username")
	_ = cmd.MarkFlagRequired("username")
	return cmd
}

func newRegisterCommand() *cobra.Command {
	var account session.Account
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a new account; offline registrations sync once connectivity returns",
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := promptPassword(cmd.OutOrStdout(), "Choose password")
			if err != nil {
				return err
			}
			account.Password = password
			return withAgent(cmd.Context(), func(ctx context.Context, runtime *agent.Agent) error {
				user, err := runtime.Sessions().Register(ctx, account)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "registered %s (id %s, status %s)\n", user.Username, user.ID, user.Status)
				if records.IsLocalID(user.ID) {
					fmt.Fprintln(cmd.OutOrStdout(), "saved offline; run sync once the server is reachable")
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&account.Username, "username", "", "Account username")
	cmd.Flags().StringVar(&account.Name, "name", "", "Full name")
	cmd.Flags().StringVar(&account.Address, "address", "", "Postal address")
	cmd.Flags().StringVar(&account.Contact, "contact", "", "Contact number")
	_ = cmd.MarkFlagRequired("username")
	return cmd
}

func newLogoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "End the current session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAgent(cmd.Context(), func(ctx context.Context, runtime *agent.Agent) error {
				if _, active := runtime.Sessions().Current(); !active {
					fmt.Fprintln(cmd.OutOrStdout(), "no active session")
					return nil
				}
				if err := runtime.Sessions().Logout(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "logged out")
				return nil
			})
		},
	}
}

func newSyncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one merge pass for every collection",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAgent(cmd.Context(), func(ctx context.Context, runtime *agent.Agent) error {
				results, err := runtime.SyncOnce(ctx)
				out := cmd.OutOrStdout()
				for _, result := range results {
					if result.Skipped {
						fmt.Fprintf(out, "%-11s skipped (offline)\n", result.Collection)
						continue
					}
					fmt.Fprintf(out, "%-11s records=%d pushed=%d created=%d failed=%d conflicts=%d\n",
						result.Collection, len(result.Records), result.Pushed, result.Created, result.Failed, result.Conflicts)
				}
				return err
			})
		},
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show connectivity, pending collections and the current session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAgent(cmd.Context(), func(ctx context.Context, runtime *agent.Agent) error {
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "online:  %t\n", runtime.Online())
				current, active := runtime.Sessions().Current()
				switch {
				case !active:
					fmt.Fprintln(out, "session: none")
				case current.Offline:
					fmt.Fprintf(out, "session: %s (offline)\n", current.User.Username)
				default:
					fmt.Fprintf(out, "session: %s (%s)\n", current.User.Username, current.User.Role)
				}
				return nil
			})
		},
	}
}

func newRecordsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "records",
		Short: "Read and edit cached collection records",
	}
	cmd.AddCommand(newRecordsListCommand(), newRecordsAddCommand(), newRecordsUpdateCommand())
	return cmd
}

func newRecordsListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list <collection>",
		Short: "List the cached records of a collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := records.ParseCollection(args[0])
			if err != nil {
				return err
			}
			return withAgent(cmd.Context(), func(ctx context.Context, runtime *agent.Agent) error {
				list, err := runtime.List(ctx, name)
				if err != nil {
					return err
				}
				for _, record := range list {
					fmt.Fprintln(cmd.OutOrStdout(), formatRecord(record))
				}
				return nil
			})
		},
	}
}

func newRecordsAddCommand() *cobra.Command {
	var fields []string
	cmd := &cobra.Command{
		Use:   "add <collection>",
		Short: "Add a record locally and push it when online",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, record, err := parseRecordArgs(args[0], fields)
			if err != nil {
				return err
			}
			return withAgent(cmd.Context(), func(ctx context.Context, runtime *agent.Agent) error {
				created, err := runtime.Create(ctx, name, record)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), formatRecord(created))
				return pushIfOnline(ctx, runtime)
			})
		},
	}
	cmd.Flags().StringArrayVar(&fields, "set", nil, "Field assignment key=value (repeatable)")
	return cmd
}

func newRecordsUpdateCommand() *cobra.Command {
	var fields []string
	cmd := &cobra.Command{
		Use:   "update <collection> <id>",
		Short: "Replace a cached record and push it when online",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, record, err := parseRecordArgs(args[0], fields)
			if err != nil {
				return err
			}
			return withAgent(cmd.Context(), func(ctx context.Context, runtime *agent.Agent) error {
				updated, err := runtime.Update(ctx, name, args[1], record)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), formatRecord(updated))
				return pushIfOnline(ctx, runtime)
			})
		},
	}
	cmd.Flags().StringArrayVar(&fields, "set", nil, "Field assignment key=value (repeatable)")
	return cmd
}

var errInvalidAssignment = errors.New("field assignments must look like key=value")

func parseRecordArgs(collection string, assignments []string) (records.Name, records.Record, error) {
	name, err := records.ParseCollection(collection)
	if err != nil {
		return "", nil, err
	}
	record := records.Record{}
	for _, assignment := range assignments {
		key, value, ok := strings.Cut(assignment, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return "", nil, fmt.Errorf("%w: %q", errInvalidAssignment, assignment)
		}
		record[key] = value
	}
	return name, record, nil
}

func pushIfOnline(ctx context.Context, runtime *agent.Agent) error {
	if !runtime.Online() {
		return nil
	}
	_, err := runtime.SyncOnce(ctx)
	return err
}

func formatRecord(record records.Record) string {
	modified, _ := record.Modified()
	line := fmt.Sprintf("%s  modified=%s", record.ID(), modified.Format(time.RFC3339))
	if reason := record.SyncConflict(); reason != "" {
		line += "  conflict=" + reason
	}
	return line
}
