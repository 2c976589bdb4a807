// Package writer streams esim_sales rows into BigQuery.
package writer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	cbigquery "cloud.google.com/go/bigquery"
	"github.com/sethvargo/go-retry"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/angelmondragon/esimhub-backend/internal/analytics/types"
	pkgbigquery "github.com/angelmondragon/esimhub-backend/pkg/bigquery"
)

type Config struct {
	SalesTable string
	// Attempts is the total number of inserts tried per row, first included.
	Attempts int
	Backoff  time.Duration
	// MaxBackoff caps the exponential wait between attempts.
	MaxBackoff time.Duration
}

type tableInserter interface {
	InsertRows(ctx context.Context, table string, rows []any) error
}

// SalesWriter inserts each row synchronously. The worker acks a message only
// after InsertSale returns, so nothing is buffered in memory.
type SalesWriter struct {
	client tableInserter
	table  string
	policy func() retry.Backoff
}

func New(client *pkgbigquery.Client, cfg Config) (*SalesWriter, error) {
	if client == nil {
		return nil, errors.New("bigquery client required")
	}
	return newWriter(client, cfg)
}

func newWriter(client tableInserter, cfg Config) (*SalesWriter, error) {
	table := strings.TrimSpace(cfg.SalesTable)
	if table == "" {
		return nil, errors.New("sales table is required")
	}
	attempts := cfg.Attempts
	if attempts <= 0 {
		attempts = 3
	}
	base := cfg.Backoff
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	ceiling := cfg.MaxBackoff
	if ceiling <= 0 {
		ceiling = 2 * time.Second
	}
	ceiling = max(ceiling, base)
	return &SalesWriter{
		client: client,
		table:  table,
		policy: func() retry.Backoff {
			return retry.WithMaxRetries(uint64(attempts-1), retry.WithCappedDuration(ceiling, retry.NewExponential(base)))
		},
	}, nil
}

func (w *SalesWriter) InsertSale(ctx context.Context, row types.SaleRow) error {
	rows := []any{row.Saver()}
	err := retry.Do(ctx, w.policy(), func(ctx context.Context) error {
		err := w.client.InsertRows(ctx, w.table, rows)
		if err != nil && transient(err) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("insert %s row %s: %w", w.table, row.EventID, err)
	}
	return nil
}

// transient reports whether every failure inside err is worth retrying.
// A single bad row (schema mismatch, invalid value) makes the insert permanent.
func transient(err error) bool {
	var rowErrs cbigquery.PutMultiError
	if errors.As(err, &rowErrs) {
		if len(rowErrs) == 0 {
			return false
		}
		for _, rowErr := range rowErrs {
			if !allTransient(rowErr.Errors) {
				return false
			}
		}
		return true
	}
	var multi cbigquery.MultiError
	if errors.As(err, &multi) {
		return allTransient(multi)
	}

	var bqErr *cbigquery.Error
	if errors.As(err, &bqErr) {
		switch bqErr.Reason {
		case "backendError", "internalError", "rateLimitExceeded", "timeout":
			return true
		}
		return false
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusTooManyRequests || apiErr.Code == http.StatusRequestTimeout || apiErr.Code >= http.StatusInternalServerError
	}
	if st, ok := status.FromError(err); ok && err != nil {
		switch st.Code() {
		case codes.Aborted, codes.DeadlineExceeded, codes.Internal, codes.ResourceExhausted, codes.Unavailable:
			return true
		}
	}
	return false
}

func allTransient(errs []error) bool {
	if len(errs) == 0 {
		return false
	}
	for _, err := range errs {
		if !transient(err) {
			return false
		}
	}
	return true
}
