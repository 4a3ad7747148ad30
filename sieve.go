// Package sieve assembles the ingestion process: adapters, metadata store,
// placement engine, and one pipeline-plus-consumer per feeder.
package sieve

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/sievedata/sieve/consumer"
	"github.com/sievedata/sieve/database"
	"github.com/sievedata/sieve/database/mongo"
	"github.com/sievedata/sieve/database/mssql"
	"github.com/sievedata/sieve/database/mysql"
	"github.com/sievedata/sieve/database/postgres"
	"github.com/sievedata/sieve/database/sqlite3"
	"github.com/sievedata/sieve/metadata"
	"github.com/sievedata/sieve/pipeline"
	"github.com/sievedata/sieve/placement"
)

// Run consumes records until every feeder finishes its batches or the context
// is canceled, then flushes metadata and closes the backends. A backend that
// cannot be reached at startup is disabled for the whole process; at least
// one backend must come up.
func Run(ctx context.Context, config Config) error {
	log := logrus.WithField("component", "sieve")

	store := metadata.Open(config.MetadataFile)
	engine := placement.NewEngine(store, config.Placement)

	sqlDB, docDB, err := openBackends(config, log)
	if err != nil {
		return err
	}
	defer func() {
		if sqlDB != nil {
			sqlDB.Close()
		}
		if docDB != nil {
			docDB.Close()
		}
	}()

	pipelines := make([]*pipeline.Pipeline, config.Feeders)
	group, ctx := errgroup.WithContext(ctx)
	for i := 0; i < config.Feeders; i++ {
		feederLog := log.WithField("feeder", i)
		pipe := pipeline.New(store, engine, sqlDB, docDB, pipeline.Options{
			FeederID: i,
			Logger:   feederLog,
		})
		pipelines[i] = pipe

		cons := consumer.New(config.SourceURL, pipe, feederLog)
		group.Go(func() error {
			return cons.Run(ctx, config.BatchSize, config.TotalBatches, config.Delay())
		})
	}

	runErr := group.Wait()

	if err := store.Save(); err != nil {
		log.WithError(err).Error("final metadata flush failed")
	}

	var total pipeline.Stats
	for _, pipe := range pipelines {
		st := pipe.Stats()
		total.TotalProcessed += st.TotalProcessed
		total.SQLInserts += st.SQLInserts
		total.DocInserts += st.DocInserts
		total.Duplicates += st.Duplicates
		total.Errors += st.Errors
	}
	log.WithFields(logrus.Fields{
		"processed":   total.TotalProcessed,
		"sql_inserts": total.SQLInserts,
		"doc_inserts": total.DocInserts,
		"duplicates":  total.Duplicates,
		"errors":      total.Errors,
	}).Info("run complete")

	return runErr
}

func openBackends(config Config, log *logrus.Entry) (database.Relational, database.Document, error) {
	var sqlDB database.Relational
	if config.SQLType != "none" {
		db, err := openRelational(config, log)
		if err != nil {
			log.WithError(err).Warnf("%s unavailable, relational side disabled", config.SQLType)
		} else {
			sqlDB = db
		}
	}

	var docDB database.Document
	if config.DocURI != "" && config.DocURI != "none" {
		db, err := mongo.NewDatabase(config.DocURI, config.DocDb, database.FieldLogger{Backend: "mongo"})
		if err != nil {
			log.WithError(err).Warn("mongodb unavailable, document side disabled")
		} else {
			docDB = db
		}
	}

	if sqlDB == nil && docDB == nil {
		return nil, nil, fmt.Errorf("no backend available: %s and mongodb both failed", config.SQLType)
	}
	return sqlDB, docDB, nil
}

func openRelational(config Config, log *logrus.Entry) (database.Relational, error) {
	dbConfig := config.databaseConfig()
	logger := database.FieldLogger{Backend: config.SQLType}

	switch config.SQLType {
	case "sqlite3":
		return sqlite3.NewDatabase(dbConfig, logger)
	case "postgres", "postgresql":
		if dbConfig.Port == 0 {
			dbConfig.Port = 5432
		}
		return postgres.NewDatabase(dbConfig, logger)
	case "mysql":
		if dbConfig.Port == 0 {
			dbConfig.Port = 3306
		}
		return mysql.NewDatabase(dbConfig, logger)
	case "mssql", "sqlserver":
		if dbConfig.Port == 0 {
			dbConfig.Port = 1433
		}
		return mssql.NewDatabase(dbConfig, logger)
	default:
		return nil, fmt.Errorf("unknown sql_type: %q", config.SQLType)
	}
}

// Report summarizes learned state for the report command.
type Report struct {
	Metadata  metadata.Stats
	Placement placement.Summary
}

func BuildReport(config Config) Report {
	store := metadata.Open(config.MetadataFile)
	engine := placement.NewEngine(store, config.Placement)
	return Report{
		Metadata:  store.Statistics(),
		Placement: engine.Summary(),
	}
}
