package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"call-scorecard-go/internal/actionable"
	"call-scorecard-go/internal/anomaly"
	"call-scorecard-go/internal/catalog"
	"call-scorecard-go/internal/dataset"
	"call-scorecard-go/internal/logger"
	"call-scorecard-go/internal/pipeline"
	"call-scorecard-go/internal/report"
	"call-scorecard-go/internal/store"
)

func main() {
	_ = godotenv.Load() // loads .env

	log := logger.New()
	log.WithField("service", "call-scorecard-go").Info("starting pipeline run")

	var (
		dbPath      = flag.String("db", envOr("DB_PATH", "scorecard.db"), "sqlite database path")
		datasetPath = flag.String("dataset", os.Getenv("DATASET_PATH"), "optional xlsx export to ingest before the run")
		catalogPath = flag.String("catalog", os.Getenv("CATALOG_PATH"), "optional catalog yaml overriding the embedded seed")
		reportDir   = flag.String("reports", envOr("REPORT_DIR", "reports"), "directory for batch report artifacts")
	)
	flag.Parse()

	cat, err := loadCatalog(*catalogPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load catalog")
	}
	if orphans := cat.OrphanSignalCodes(); len(orphans) > 0 {
		log.WithField("signal_codes", orphans).Warn("catalog signals with missing target tags")
	}

	st, err := store.Open(*dbPath)
	if err != nil {
		log.WithError(err).Fatal("failed to open store")
	}
	defer st.Close()

	ctx := context.Background()

	if *datasetPath != "" {
		log.WithField("dataset_path", *datasetPath).Info("ingesting dataset")
		records, err := dataset.Load(*datasetPath)
		if err != nil {
			log.WithError(err).Fatal("dataset load error")
		}
		for _, rec := range records {
			if _, err := st.InsertRawRecord(ctx, rec); err != nil {
				log.WithError(err).Fatal("ingest failed")
			}
		}
		log.WithField("records", len(records)).Info("dataset ingested")
	}

	p := pipeline.New(st, cat, pipeline.WithAnomalyConfig(anomalyConfig()))
	summary, err := p.Run(ctx)
	if err != nil {
		log.WithError(err).Fatal("pipeline run failed")
	}

	w := report.NewWriter(*reportDir)
	if _, err := w.WriteBatch(summary); err != nil {
		log.WithError(err).Error("failed to write batch reports")
	}
	scores, err := st.CallScores(ctx)
	if err != nil {
		log.WithError(err).Error("failed to load call scores")
	} else if path, err := w.WriteScorecard(summary, scores); err != nil {
		log.WithError(err).Error("failed to write scorecard")
	} else {
		log.WithField("path", path).Info("scorecard written")
	}

	out := struct {
		Summary pipeline.Summary      `json:"summary"`
		Card    actionable.ActionCard `json:"action_card"`
	}{summary, actionable.Generate(summary, scores)}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		log.WithError(err).Error("failed to write summary")
	}
}

func loadCatalog(path string) (*catalog.Catalog, error) {
	if path != "" {
		return catalog.LoadFile(path)
	}
	return catalog.Default()
}

func anomalyConfig() anomaly.Config {
	cfg := anomaly.DefaultConfig()
	if v := os.Getenv("ANOMALY_DIVERGENCE_FRAC"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.DivergenceFrac = f
		}
	}
	if v := os.Getenv("ANOMALY_HIGH_CONFIDENCE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.HighConfidence = f
		}
	}
	return cfg
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
