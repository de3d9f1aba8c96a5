package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/karasz/aidledger"
	"github.com/karasz/aidledger/internal/config"
	"github.com/spf13/cobra"
)

var errNoJournal = errors.New("no journal configured (set journalPath)")

func journalCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect and verify the ledger journal",
	}
	cmd.AddCommand(journalVerifyCommand(), journalListCommand(), journalAnchorsCommand())
	return cmd
}

func withJournalStore(cmd *cobra.Command, fn func(*config.Config, aidledger.JournalStore) error) error {
	cfg := config.FromContext(cmd.Context())
	if cfg == nil {
		return errors.New("no config found in context")
	}
	if cfg.JournalPath == "" {
		return errNoJournal
	}
	st, err := aidledger.OpenJournalStore(cfg.JournalPath)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(cfg, st)
}

func journalVerifyCommand() *cobra.Command {
	var auditor, fromAnchor bool
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify the journal MAC chain against its tail",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withJournalStore(cmd, func(cfg *config.Config, st aidledger.JournalStore) error {
				if fromAnchor {
					anchors, err := st.ListAnchors()
					if err != nil {
						return err
					}
					if len(anchors) == 0 {
						return errors.New("journal has no anchors")
					}
					last := anchors[len(anchors)-1]
					if err := aidledger.VerifyJournalFromAnchor(st, last); err != nil {
						return fmt.Errorf("verify from anchor %d: %w", last.Index, err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "journal verified from anchor %d\n", last.Index)
					return nil
				}
				a0, b0, ok, err := aidledger.LoadJournalKeys(journalKeyFile(cfg))
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("journal key file %s not found", journalKeyFile(cfg))
				}
				if auditor {
					err = aidledger.VerifyAuditChain(st, a0)
				} else {
					err = aidledger.VerifyJournal(st, b0)
				}
				if err != nil {
					return fmt.Errorf("verify journal: %w", err)
				}
				tail, _, err := st.Tail()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "journal verified: %d records\n", tail.Index)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&auditor, "auditor", false, "verify the auditor chain (A_0) instead of the operator chain")
	cmd.Flags().BoolVar(&fromAnchor, "from-anchor", false, "verify from the latest anchor without initial keys")
	return cmd
}

func journalListCommand() *cobra.Command {
	var start uint64
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Print journal events as JSON lines",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withJournalStore(cmd, func(_ *config.Config, st aidledger.JournalStore) error {
				ch, done, err := st.Iter(start)
				if err != nil {
					return err
				}
				defer func() { _ = done() }()
				enc := json.NewEncoder(cmd.OutOrStdout())
				for r := range ch {
					ev, err := r.Event()
					if err != nil {
						return err
					}
					if err := enc.Encode(struct {
						Index uint64 `json:"index"`
						Kind  string `json:"kind"`
						aidledger.Event
					}{r.Index, ev.Kind.String(), ev}); err != nil {
						return err
					}
				}
				return done()
			})
		},
	}
	cmd.Flags().Uint64Var(&start, "start", 1, "first record index")
	return cmd
}

func journalAnchorsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "anchors",
		Short: "List journal anchors",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withJournalStore(cmd, func(_ *config.Config, st aidledger.JournalStore) error {
				anchors, err := st.ListAnchors()
				if err != nil {
					return err
				}
				for _, a := range anchors {
					fmt.Fprintf(cmd.OutOrStdout(), "%d\t%x\n", a.Index, a.TagV)
				}
				return nil
			})
		},
	}
}
