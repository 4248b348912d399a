// Command seed fills the feed with demo posts.
package main

import (
	"context"
	"flag"
	"log"
	"os"

	"socialfeed/internal/bootstrap"
	"socialfeed/internal/cache"
	"socialfeed/internal/config"
	"socialfeed/internal/database"
	"socialfeed/internal/seed"
	"socialfeed/internal/store"
)

func main() {
	numUsers := flag.Int("users", 8, "Number of users to generate")
	numPosts := flag.Int("posts", 40, "Number of posts to generate")
	shouldClean := flag.Bool("clean", true, "Clean database before seeding")
	fixtures := flag.String("fixtures", "", "Seed from a YAML fixture file instead of generating data")
	builtin := flag.Bool("builtin", false, "Seed the built-in fixture set")
	flag.Parse()

	log.Println("🌱 Feed Seeder")
	log.Println("==============")

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	db, err := database.Connect(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	// Writes go through the store so live subscribers on other processes hear about them.
	ctx := context.Background()
	rdb := cache.InitRedis(cfg.RedisURL)
	bus, err := bootstrap.NewBus(ctx, cfg, rdb)
	if err != nil {
		log.Fatalf("Failed to connect change bus: %v", err)
	}
	rt := bootstrap.NewRuntime(cfg, db, rdb, bus, store.New(db, store.WithBus(bus)))
	defer rt.Close()

	s := seed.NewSeeder(db, rt.Posts, rt.Replies, rt.Profiles)

	if *shouldClean {
		if err := s.ClearAll(); err != nil {
			log.Fatalf("❌ Cleanup failed: %v", err)
		}
	}

	var fx *seed.Fixtures
	switch {
	case *fixtures != "":
		f, err := os.Open(*fixtures)
		if err != nil {
			log.Fatalf("❌ Open fixtures: %v", err)
		}
		fx, err = seed.LoadFixtures(f)
		_ = f.Close()
		if err != nil {
			log.Fatalf("❌ Invalid fixtures: %v", err)
		}
	case *builtin:
		fx = seed.DefaultFixtures()
	default:
		opts := seed.DefaultOptions()
		opts.Users = *numUsers
		opts.Posts = *numPosts
		log.Printf("Target: %d users, %d posts, clean=%v\n", opts.Users, opts.Posts, *shouldClean)
		fx = s.Generate(opts)
	}

	if err := s.Apply(ctx, fx); err != nil {
		log.Fatalf("❌ Seeding failed: %v", err)
	}

	log.Printf("✨ All done! Seeded %d users and %d posts.", len(fx.Users), len(fx.Posts))
}
