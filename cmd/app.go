package cmd

import (
	"context"
	"fmt"

	"github.com/andresmejia3/facegate/internal/artifact"
	"github.com/andresmejia3/facegate/internal/audit"
	"github.com/andresmejia3/facegate/internal/config"
	"github.com/andresmejia3/facegate/internal/credstore"
	"github.com/andresmejia3/facegate/internal/vault"
	"github.com/andresmejia3/facegate/internal/worker"
)

func storeOptions(c *config.Config, det worker.Detector) credstore.Options {
	return credstore.Options{
		Root:      c.Storage.Root,
		IndexPath: c.Storage.IndexPath,
		Keys:      vault.Paths{Key: c.Storage.KeyPath, IV: c.Storage.IVPath},
		Detector:  det,
		Logger:    logger.With("component", "credstore"),
	}
}

func openStore(c *config.Config, det worker.Detector) *credstore.Store {
	return credstore.New(storeOptions(c, det))
}

// startDetector spawns the python face worker. We use ID 0 for the single
// worker a command needs.
func startDetector(ctx context.Context, c *config.Config) (*worker.PythonWorker, error) {
	return worker.NewPythonWorker(ctx, 0, c.Worker.Python, c.Worker.Script)
}

// openAudit returns the Postgres sink when a database is configured and a
// no-op sink otherwise. The returned func releases the connection.
func openAudit(ctx context.Context, c *config.Config) (audit.Sink, func(), error) {
	if c.Audit.DatabaseURL == "" {
		return audit.NopSink{}, func() {}, nil
	}
	sink, err := audit.NewPostgresSink(ctx, c.Audit.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	// Use Background here because the main context might be cancelled already (due to Ctrl+C)
	// and we still need to send the "Close" command to the DB.
	return sink, func() { sink.Close(context.Background()) }, nil
}

// newArtifactWriter writes denial snapshots locally, mirroring them to S3 when
// a bucket is configured.
func newArtifactWriter(ctx context.Context, c *config.Config) (artifact.Writer, error) {
	local := artifact.NewDirWriter(c.Artifacts.DeniedDir)
	if c.S3.Bucket == "" {
		return local, nil
	}
	client, err := artifact.NewS3Client(ctx, artifact.S3Options{
		Region:    c.S3.Region,
		Endpoint:  c.S3.Endpoint,
		AccessKey: c.S3.AccessKey,
		SecretKey: c.S3.SecretKey,
	})
	if err != nil {
		return nil, fmt.Errorf("configure s3 mirror: %w", err)
	}
	return artifact.NewS3Mirror(local, client, c.S3.Bucket, logger.With("component", "artifact")), nil
}
