package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"promoter/internal/database"
	"promoter/internal/models"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// SeedFile lists the owners and content records the producer resolves
// enqueue requests against.
type SeedFile struct {
	Owners []struct {
		ID             string `yaml:"id"`
		Name           string `yaml:"name"`
		TelegramChatID int64  `yaml:"telegram_chat_id"`
	} `yaml:"owners"`
	Content []struct {
		ID               string `yaml:"id"`
		OwnerID          string `yaml:"owner_id"`
		Title            string `yaml:"title"`
		Description      string `yaml:"description"`
		MediaURL         string `yaml:"media_url"`
		DurationSeconds  int    `yaml:"duration_seconds"`
		PinterestBoardID string `yaml:"pinterest_board_id"`
	} `yaml:"content"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	var (
		seedPath = flag.String("seed", "configs/content.yaml", "path to content seed yaml")
		dbPath   = flag.String("db", "./data/promoter.db", "path to sqlite db")
	)
	flag.Parse()

	data, err := os.ReadFile(*seedPath)
	if err != nil {
		return fmt.Errorf("read seed: %w", err)
	}
	var seed SeedFile
	if err = yaml.Unmarshal(data, &seed); err != nil {
		return fmt.Errorf("parse seed: %w", err)
	}
	if len(seed.Content) == 0 && len(seed.Owners) == 0 {
		return fmt.Errorf("nothing to seed in %s", *seedPath)
	}

	db, err := database.NewDB(*dbPath, &logger)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, o := range seed.Owners {
		if o.ID == "" {
			continue
		}
		owner := &models.Owner{ID: o.ID, Name: o.Name, TelegramChatID: o.TelegramChatID}
		if err = db.UpsertOwner(ctx, owner); err != nil {
			return fmt.Errorf("upsert owner %s: %w", o.ID, err)
		}
	}

	now := time.Now().UTC()
	seeded := 0
	for _, c := range seed.Content {
		if c.ID == "" {
			continue
		}
		content := &models.Content{
			ID:               c.ID,
			OwnerID:          c.OwnerID,
			Title:            c.Title,
			Description:      c.Description,
			MediaURL:         c.MediaURL,
			DurationSeconds:  c.DurationSeconds,
			PinterestBoardID: c.PinterestBoardID,
			CreatedAt:        now,
		}
		if err = db.UpsertContent(ctx, content); err != nil {
			return fmt.Errorf("upsert content %s: %w", c.ID, err)
		}
		seeded++
	}

	fmt.Printf("done: owners=%d content=%d\n", len(seed.Owners), seeded)
	return nil
}
