package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/orthodoxmetrics/recordsgo/internal/config"
	"github.com/orthodoxmetrics/recordsgo/internal/database"
	"github.com/orthodoxmetrics/recordsgo/internal/logging"
	"github.com/orthodoxmetrics/recordsgo/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm/clause"
)

type demoJob struct {
	file        string
	recordType  models.RecordType
	text        string
	entities    datatypes.JSONMap
	confidence  float64
	needsReview bool
	language    string
}

var demoJobs = []demoJob{
	{"baptism-1923-p1.jpg", models.RecordTypeBaptism, "Baptized Ioannis, son of Georgios and Maria",
		datatypes.JSONMap{"child_name": "Ioannis", "father": "Georgios", "mother": "Maria"}, 0.92, false, "el"},
	{"marriage-1931-p4.jpg", models.RecordTypeMarriage, "Married Nikolai and Anastasia",
		datatypes.JSONMap{"groom": "Nikolai", "bride": "Anastasia"}, 0.78, false, "ru"},
	{"funeral-1948-p2.jpg", models.RecordTypeFuneral, "Reposed in the Lord: Dimitrios",
		datatypes.JSONMap{"deceased": "Dimitrios"}, 0.41, false, "el"},
	{"baptism-1950-p9.jpg", models.RecordTypeBaptism, "Baptized Elena",
		datatypes.JSONMap{"child_name": "Elena"}, 0.88, true, "en"},
}

func main() {
	churchID := flag.String("church", "stpaul", "church id to register")
	churchName := flag.String("name", "St. Paul Orthodox Church", "church display name")
	flag.Parse()

	fmt.Println("🌱 Records Demo Data Seeder")
	fmt.Println(strings.Repeat("=", 60))

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}
	logger, err := logging.New(cfg.NodeEnv, cfg.InstanceID)
	if err != nil {
		log.Fatalf("❌ Failed to build logger: %v", err)
	}

	db, err := database.Connect(cfg.Database, logger)
	if err != nil {
		log.Fatalf("❌ Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := db.AutoMigrate(&models.Church{}, &models.OCRSession{}, &models.SchedulerLease{}); err != nil {
		log.Fatalf("❌ Migration failed: %v", err)
	}

	church := models.Church{
		ID:              *churchID,
		Name:            *churchName,
		IsActive:        true,
		OCRDatabase:     *churchID + "_ocr",
		RecordsDatabase: "orthodox_records",
	}

	if host, port, ok := db.EmbeddedDSNHost(); ok {
		cfg.Tenant.Host, cfg.Tenant.Port = host, port
		cfg.Tenant.Username, cfg.Tenant.Password, cfg.Tenant.SSLMode = cfg.Database.Username, "postgres", "disable"

		// Same server: make sure the tenant databases exist
		for _, name := range []string{church.OCRDatabase, church.RecordsDatabase} {
			var exists int64
			db.Raw("SELECT COUNT(*) FROM pg_database WHERE datname = ?", name).Scan(&exists)
			if exists == 0 {
				if err := db.Exec(fmt.Sprintf("CREATE DATABASE %q", name)).Error; err != nil {
					log.Fatalf("❌ Failed to create database %s: %v", name, err)
				}
				fmt.Printf("✅ Created database %s\n", name)
			}
		}
	}

	if err := db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&church).Error; err != nil {
		log.Fatalf("❌ Failed to register church: %v", err)
	}
	fmt.Printf("⛪ Registered church %s (%s)\n", church.ID, church.Name)

	cfg.Tenant.AutoMigrate = true
	resolver := database.NewResolver(db.DB, cfg.Tenant, nil, logger)
	defer resolver.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conns, err := resolver.Resolve(ctx, church.ID)
	if err != nil {
		log.Fatalf("❌ Failed to open tenant databases: %v", err)
	}

	now := time.Now().UTC()
	for i, d := range demoJobs {
		started := now.Add(-time.Duration(len(demoJobs)-i) * time.Hour)
		completed := started.Add(3 * time.Minute)
		confidence := d.confidence
		job := models.OCRJob{
			ChurchID:              church.ID,
			Filename:              fmt.Sprintf("demo_%d_%s", now.Unix(), d.file),
			OriginalFilename:      d.file,
			RecordType:            d.recordType,
			Language:              d.language,
			Status:                models.JobStatusComplete,
			ExtractedText:         d.text,
			ExtractedEntities:     d.entities,
			ConfidenceScore:       &confidence,
			NeedsReview:           d.needsReview,
			DetectedLanguage:      d.language,
			ProcessingStartedAt:   &started,
			ProcessingCompletedAt: &completed,
		}
		if err := conns.OCR.WithContext(ctx).Create(&job).Error; err != nil {
			log.Fatalf("❌ Failed to create job: %v", err)
		}
		fmt.Printf("  📄 job %d: %s (%s, confidence %.2f)\n", job.ID, d.file, d.recordType, d.confidence)
	}

	fmt.Println()
	fmt.Printf("✅ Seeded %d completed OCR jobs. Transfer them with:\n", len(demoJobs))
	fmt.Printf("   POST /api/ocr/transfer/batch/%s\n", church.ID)
}
