package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/liamashdown/peggwatch/internal/model"
	"github.com/liamashdown/peggwatch/internal/storage"
)

// AccountInput describes an account added from the command line.
type AccountInput struct {
	Network        string
	Address        string
	Name           string
	Classification string
}

// Scan runs one scan cycle on a network, or on every network when network is empty.
func (a *App) Scan(ctx context.Context, network string, out io.Writer) error {
	rt, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	targets, err := rt.service.TriggerManualScan(ctx, network)
	if len(targets) > 0 {
		writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(writer, "Loop\tRuns\tFailures\tLast error")
		for _, st := range rt.service.Status() {
			if !strings.HasPrefix(st.Name, "scan:") {
				continue
			}
			fmt.Fprintf(writer, "%s\t%d\t%d\t%s\n", st.Name, st.Runs, st.Failures, st.LastError)
		}
		writer.Flush()
	}
	return err
}

// Digest builds today's digest if it does not exist yet and prints it.
func (a *App) Digest(ctx context.Context, out io.Writer) error {
	rt, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	entry, created, err := rt.service.TriggerManualDigest(ctx)
	if err != nil {
		return err
	}
	if !created {
		fmt.Fprintf(out, "digest for %s already published\n", entry.Day)
	}
	fmt.Fprintln(out, entry.Summary)
	return nil
}

// ListAccounts prints tracked accounts, optionally for one network.
func (a *App) ListAccounts(ctx context.Context, network string, out io.Writer) error {
	db, err := a.openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	accounts, err := db.ListAccounts(ctx, strings.ToLower(network), false)
	if err != nil {
		return err
	}
	if len(accounts) == 0 {
		fmt.Fprintln(out, "no tracked accounts")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tNetwork\tAddress\tName\tClass\tActive")
	for _, acct := range accounts {
		fmt.Fprintf(writer, "%d\t%s\t%s\t%s\t%s\t%t\n",
			acct.ID, acct.Network, acct.Address, acct.Name, acct.Classification, acct.IsActive)
	}
	return writer.Flush()
}

// AddAccount tracks an account, reactivating it if it was deactivated.
func (a *App) AddAccount(ctx context.Context, in AccountInput) (*model.TrackedAccount, error) {
	if in.Network == "" || in.Address == "" {
		return nil, errors.New("network and address are required")
	}
	db, err := a.openStore()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	now := time.Now().Unix()
	acct := &model.TrackedAccount{
		Network:        strings.ToLower(in.Network),
		Address:        in.Address,
		Name:           in.Name,
		Classification: model.ParseClassification(in.Classification),
		CreatedTS:      now,
		UpdatedTS:      now,
	}
	if _, err := db.EnsureAccount(ctx, acct, true); err != nil {
		return nil, err
	}
	a.Logger.WithField("account", acct.Network+"/"+acct.Address).Info("Tracked account saved")
	return acct, nil
}

// DeactivateAccount stops scanning an account without deleting its history.
func (a *App) DeactivateAccount(ctx context.Context, network, address string) error {
	db, err := a.openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.DeactivateAccount(ctx, strings.ToLower(network), address); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("account %s/%s is not tracked", network, address)
		}
		return err
	}
	return nil
}
