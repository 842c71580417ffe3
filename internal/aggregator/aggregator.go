// Package aggregator fans a file-listing request out across every connected,
// active account a principal has linked, merges the per-account pages under a
// single ordering, and opportunistically repairs missing viewer grants.
package aggregator

import (
	"context"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/pysugar/drivehub/internal/accounts"
	"github.com/pysugar/drivehub/internal/db"
	"github.com/pysugar/drivehub/internal/drive"
	"github.com/pysugar/drivehub/internal/logging"
)

// defaultAccountTimeout bounds each per-account slice so one hung provider
// call cannot stall the whole barrier.
const defaultAccountTimeout = 20 * time.Second

var accountFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "drivehub_aggregation_account_failures_total",
	Help: "Per-account slices dropped from an aggregation page, by stage.",
}, []string{"stage"})

// AccountSource yields the principal's linked accounts. Satisfied by
// *accounts.Registry.
type AccountSource interface {
	List(principal string) ([]accounts.Summary, error)
}

// TokenSource yields a currently-valid access token per account. Satisfied by
// *token.Manager.
type TokenSource interface {
	ValidAccessToken(ctx context.Context, email string) (string, error)
}

// Client is the slice of the provider client the aggregator needs.
type Client interface {
	ListFiles(ctx context.Context, accessToken string, q drive.Query) (*drive.FileList, error)
	CreatePermission(ctx context.Context, accessToken, fileID, email, role string) (string, error)
	ListPermissions(ctx context.Context, accessToken, fileID string) ([]drive.Permission, error)
}

// File is one aggregated file tagged with the account that owns it. Produced
// per request, never persisted.
type File struct {
	drive.File
	Account string `json:"account"`
}

// Request is one merged-listing request.
type Request struct {
	ParentID     string
	Starred      *bool
	Trashed      *bool
	MimeCategory string
	// SortKey is "activity" (default), "name", "modified", or "quota".
	SortKey string
	// PageTokens maps account email to that account's continuation token.
	// Accounts paginate independently.
	PageTokens map[string]string
}

// Page is one merged result page.
type Page struct {
	Files []File `json:"files"`
	// NextPageTokens carries each account's own continuation token when that
	// account has more pages.
	NextPageTokens map[string]string `json:"nextPageTokens"`
}

// Aggregator is the fan-out/fan-in engine.
type Aggregator struct {
	registry       AccountSource
	tokens         TokenSource
	client         Client
	store          *db.Accounts
	accountTimeout time.Duration
}

// New wires an Aggregator. store may record per-account last-sync times; the
// barrier itself never blocks on it.
func New(registry AccountSource, tokens TokenSource, client Client, store *db.Accounts, accountTimeout time.Duration) *Aggregator {
	if accountTimeout <= 0 {
		accountTimeout = defaultAccountTimeout
	}
	return &Aggregator{
		registry:       registry,
		tokens:         tokens,
		client:         client,
		store:          store,
		accountTimeout: accountTimeout,
	}
}

// accountResult is one account's slice of the page. A failed slice leaves
// files nil and the account absent from NextPageTokens.
type accountResult struct {
	files []File
	next  string
}

// ListFiles resolves the principal's accounts and merges one page per account
// into a single ordered sequence. Per-account failures degrade the page; only
// a registry failure is fatal to the request.
func (a *Aggregator) ListFiles(ctx context.Context, principal string, req Request) (*Page, error) {
	log := logging.FromContext(ctx).WithField("principal", principal)

	summaries, err := a.registry.List(principal)
	if err != nil {
		return nil, err
	}

	qualifying := summaries[:0:0]
	for _, s := range summaries {
		if s.Connected && s.Active {
			qualifying = append(qualifying, s)
		}
	}
	if len(qualifying) == 0 {
		log.Debug("aggregator: no qualifying accounts")
		return &Page{Files: []File{}, NextPageTokens: map[string]string{}}, nil
	}

	// Indexed result slots keep the account enumeration order through the
	// barrier; the final stable sort relies on it for tie-breaking.
	results := make([]accountResult, len(qualifying))
	g, gctx := errgroup.WithContext(ctx)
	for i, acct := range qualifying {
		i, acct := i, acct
		g.Go(func() error {
			results[i] = a.listAccount(gctx, log, principal, acct.Email, req)
			return nil
		})
	}
	g.Wait() //nolint:errcheck // tasks never return errors, the group is only the barrier

	page := &Page{Files: []File{}, NextPageTokens: map[string]string{}}
	for i, res := range results {
		page.Files = append(page.Files, res.files...)
		if res.next != "" {
			page.NextPageTokens[qualifying[i].Email] = res.next
		}
	}

	sortFiles(page.Files, req.SortKey)
	log.WithFields(logrus.Fields{
		"accounts": len(qualifying),
		"files":    len(page.Files),
	}).Info("aggregator: page merged")
	return page, nil
}

// listAccount produces one account's slice. Every failure path logs the
// per-account outcome and returns an empty slice instead of an error.
func (a *Aggregator) listAccount(ctx context.Context, log *logrus.Entry, principal, email string, req Request) accountResult {
	ctx, cancel := context.WithTimeout(ctx, a.accountTimeout)
	defer cancel()

	log = log.WithField("account", email)

	accessToken, err := a.tokens.ValidAccessToken(ctx, email)
	if err != nil {
		accountFailures.WithLabelValues("token").Inc()
		log.WithField("error", err.Error()).Warn("aggregator: account excluded, no valid token")
		return accountResult{}
	}

	list, err := a.client.ListFiles(ctx, accessToken, drive.Query{
		ParentID:     req.ParentID,
		Starred:      req.Starred,
		Trashed:      req.Trashed,
		MimeCategory: req.MimeCategory,
		PageToken:    req.PageTokens[email],
	})
	if err != nil {
		accountFailures.WithLabelValues("list").Inc()
		log.WithField("error", err.Error()).Warn("aggregator: account excluded, list failed")
		return accountResult{}
	}

	files := make([]File, 0, len(list.Files))
	for _, f := range list.Files {
		a.repairViewerGrant(ctx, log, accessToken, principal, &f)
		files = append(files, File{File: f, Account: email})
	}

	if a.store != nil {
		if err := a.store.TouchLastSync(email, time.Now()); err != nil {
			log.WithField("error", err.Error()).Debug("aggregator: last-sync update failed")
		}
	}

	log.WithField("files", len(files)).Debug("aggregator: account slice complete")
	return accountResult{files: files, next: list.NextPageToken}
}

// repairViewerGrant ensures the principal can open the file immediately after
// the page renders. Failure is logged and the file is returned as-is; the
// grant write never blocks the listing.
func (a *Aggregator) repairViewerGrant(ctx context.Context, log *logrus.Entry, accessToken, principal string, f *drive.File) {
	if f.HasViewer(principal) {
		return
	}

	if _, err := a.client.CreatePermission(ctx, accessToken, f.ID, principal, "reader"); err != nil {
		accountFailures.WithLabelValues("permission").Inc()
		log.WithFields(logrus.Fields{
			"file":  f.ID,
			"error": err.Error(),
		}).Warn("aggregator: viewer grant repair failed")
		return
	}

	perms, err := a.client.ListPermissions(ctx, accessToken, f.ID)
	if err != nil {
		log.WithFields(logrus.Fields{
			"file":  f.ID,
			"error": err.Error(),
		}).Warn("aggregator: permission re-fetch failed after repair")
		return
	}
	f.Permissions = perms
}

// activityTime is the default sort key: when the file was last touched by the
// user, falling back to its modification time.
func activityTime(f *File) time.Time {
	if f.ViewedByMe && !f.ViewedByMeTime.IsZero() {
		return f.ViewedByMeTime
	}
	return f.ModifiedTime
}

// sortFiles orders the merged sequence. Sorts are stable so ties keep the
// account enumeration order and, within an account, the provider's own order.
func sortFiles(files []File, key string) {
	switch key {
	case "name":
		sort.SliceStable(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	case "modified":
		sort.SliceStable(files, func(i, j int) bool { return files[i].ModifiedTime.After(files[j].ModifiedTime) })
	case "quota":
		sort.SliceStable(files, func(i, j int) bool { return files[i].QuotaBytesUsed > files[j].QuotaBytesUsed })
	default: // most-recent activity
		sort.SliceStable(files, func(i, j int) bool { return activityTime(&files[i]).After(activityTime(&files[j])) })
	}
}
