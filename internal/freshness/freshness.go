// Package freshness keeps per-organism stores in sync with the upstream
// metadata database. On a fixed interval it probes each organism's
// fingerprint; on change it re-runs ingestion and atomically substitutes
// the organism's store handle.
package freshness

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/loculus-project/seqlapis/internal/refgenome"
	"github.com/loculus-project/seqlapis/internal/store"
)

// probeTimeout bounds one upstream fingerprint round-trip.
const probeTimeout = 30 * time.Second

// Upstream is the slice of the metadata store the controller needs.
type Upstream interface {
	Fingerprint(ctx context.Context, organism string) (string, error)
	DisplayVersion(ctx context.Context, organism string) (string, error)
}

// Ingester runs one organism's ingestion and returns the connected store.
type Ingester interface {
	Run(ctx context.Context, organism string, ref *refgenome.ReferenceGenomes) (*store.Store, error)
	StorePath(organism string) string
}

// Controller drives initial loading and periodic refresh for a fixed set
// of organisms. Organisms are processed sequentially, so at most one
// ingestion runs at a time.
type Controller struct {
	Catalog      *store.Catalog
	Upstream     Upstream
	Ingester     Ingester
	RefGenomeDir string
	Organisms    []string
	Interval     time.Duration

	fingerprints map[string]string
}

// PublishCached publishes every organism that already has a populated
// store file, using the cached contents and a "loading" version string.
// InitialLoad then runs the ingester for each organism and swaps the handle
// on completion.
func (c *Controller) PublishCached() {
	for _, organism := range c.Organisms {
		ref, err := refgenome.Load(refgenome.FilePath(c.RefGenomeDir, organism))
		if err != nil {
			logrus.WithError(err).WithField("organism", organism).
				Error("failed to load reference genomes")
			continue
		}
		cached, err := store.Open(c.Ingester.StorePath(organism))
		if err != nil {
			continue
		}
		count, err := cached.MetadataCount()
		if err != nil || count == 0 {
			cached.Close()
			continue
		}
		c.Catalog.Put(store.NewOrganism(organism, cached, ref, "loading"))
		logrus.WithFields(logrus.Fields{"organism": organism, "sequences": count}).
			Info("published cached store")
	}
}

// InitialLoad ingests every organism in sequence and publishes or swaps
// its handle. Failures skip the organism; the refresh loop retries later.
func (c *Controller) InitialLoad(ctx context.Context) {
	for _, organism := range c.Organisms {
		ref, err := refgenome.Load(refgenome.FilePath(c.RefGenomeDir, organism))
		if err != nil {
			logrus.WithError(err).WithField("organism", organism).
				Error("failed to load reference genomes")
			continue
		}

		s, err := c.Ingester.Run(ctx, organism, ref)
		if err != nil {
			logrus.WithError(err).WithField("organism", organism).Error("initial ETL failed")
			continue
		}
		count, _ := s.MetadataCount()

		version := c.displayVersion(ctx, organism)
		if existing, ok := c.Catalog.Get(organism); ok {
			existing.Swap(s)
			existing.SetDataVersion(version)
		} else {
			c.Catalog.Put(store.NewOrganism(organism, s, ref, version))
		}
		logrus.WithFields(logrus.Fields{"organism": organism, "sequences": count}).
			Info("organism loaded")
	}
}

// Run polls fingerprints until the context ends. The first tick happens
// one interval after start.
func (c *Controller) Run(ctx context.Context) {
	c.fingerprints = make(map[string]string)
	for _, organism := range c.Organisms {
		if fp, err := c.fingerprint(ctx, organism); err == nil {
			c.fingerprints[organism] = fp
		}
	}

	ticker := time.NewTicker(c.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, organism := range c.Organisms {
			c.refreshOrganism(ctx, organism)
		}
	}
}

// refreshOrganism probes one organism and reloads it when the fingerprint
// moved. On ingestion failure the fingerprint is left unchanged so the
// next tick retries.
func (c *Controller) refreshOrganism(ctx context.Context, organism string) {
	newFP, err := c.fingerprint(ctx, organism)
	if err != nil {
		logrus.WithError(err).WithField("organism", organism).Warn("refresh check failed")
		return
	}
	if newFP == c.fingerprints[organism] {
		return
	}

	logrus.WithFields(logrus.Fields{
		"organism": organism,
		"old":      c.fingerprints[organism],
		"new":      newFP,
	}).Info("data changed, re-running ETL")

	ref, err := refgenome.Load(refgenome.FilePath(c.RefGenomeDir, organism))
	if err != nil {
		logrus.WithError(err).WithField("organism", organism).Error("failed to load reference genomes")
		return
	}

	// Force a fresh ingestion; Run reuses populated store files otherwise.
	store.RemoveFiles(c.Ingester.StorePath(organism))

	s, err := c.Ingester.Run(ctx, organism, ref)
	if err != nil {
		logrus.WithError(err).WithField("organism", organism).Error("refresh ETL failed")
		return
	}
	count, _ := s.MetadataCount()

	version := c.displayVersion(ctx, organism)
	if existing, ok := c.Catalog.Get(organism); ok {
		existing.Swap(s)
		existing.SetDataVersion(version)
	} else {
		c.Catalog.Put(store.NewOrganism(organism, s, ref, version))
	}
	c.fingerprints[organism] = newFP
	logrus.WithFields(logrus.Fields{"organism": organism, "sequences": count}).
		Info("refresh: reloaded")
}

func (c *Controller) fingerprint(ctx context.Context, organism string) (string, error) {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	return c.Upstream.Fingerprint(probeCtx, organism)
}

func (c *Controller) displayVersion(ctx context.Context, organism string) string {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	version, err := c.Upstream.DisplayVersion(probeCtx, organism)
	if err != nil {
		return "unknown"
	}
	return version
}
