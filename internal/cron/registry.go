package cron

import (
	"context"
	"fmt"

	"gorm.io/gorm"
)

// Job is one unit of scheduled maintenance. Name doubles as the metrics label.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// txRunner is the slice of db.Client the jobs need to open transactions.
type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Registry holds jobs in run order. Names are unique so metrics and logs
// never merge two jobs.
type Registry struct {
	jobs  []Job
	names map[string]struct{}
}

// NewRegistry builds a registry from jobs, skipping nils and later duplicates.
func NewRegistry(jobs ...Job) *Registry {
	r := &Registry{names: map[string]struct{}{}}
	for _, job := range jobs {
		_ = r.Register(job)
	}
	return r
}

// Register appends jobs in order. It stops at the first duplicate name.
func (r *Registry) Register(jobs ...Job) error {
	for _, job := range jobs {
		if job == nil {
			continue
		}
		if _, dup := r.names[job.Name()]; dup {
			return fmt.Errorf("cron job %q registered twice", job.Name())
		}
		r.names[job.Name()] = struct{}{}
		r.jobs = append(r.jobs, job)
	}
	return nil
}

// Jobs returns a copy of the registered jobs in run order.
func (r *Registry) Jobs() []Job {
	jobs := make([]Job, len(r.jobs))
	copy(jobs, r.jobs)
	return jobs
}

// Names lists job names in run order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.jobs))
	for _, job := range r.jobs {
		names = append(names, job.Name())
	}
	return names
}
