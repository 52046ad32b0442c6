// seed inserts development sample data through the store. Requires
// DATABASE_URL. Idempotent: skips when the first demo profile already exists.
package main

import (
	"context"
	"log"

	"talkline/internal/auth"
	"talkline/internal/chatlist"
	"talkline/internal/config"
	"talkline/internal/db"
	"talkline/internal/message"
	"talkline/internal/remote"
	"talkline/internal/remote/postgres"
	"talkline/internal/verification/phoneauth"
)

type demoUser struct {
	phone  string
	name   string
	status string
}

var demoUsers = []demoUser{
	{phone: "+15550001111", name: "Asha", status: "Available"},
	{phone: "+15550002222", name: "Ben", status: "At work"},
	{phone: "+15550003333", name: "Chitra", status: "Battery about to die"},
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("seed: DATABASE_URL is required")
	}
	ctx := context.Background()

	pool, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("seed: db: %v", err)
	}
	defer pool.Close()
	store, err := postgres.New(ctx, pool)
	if err != nil {
		log.Fatalf("seed: store: %v", err)
	}
	defer store.Close()

	ids := make([]string, len(demoUsers))
	for i, u := range demoUsers {
		ids[i] = phoneauth.UserIDForPhone(u.phone)
	}

	snap, err := store.Read(ctx, remote.Join("users", ids[0]))
	if err != nil {
		log.Fatalf("seed: read: %v", err)
	}
	if snap.Exists() {
		log.Println("seed: demo data already present, nothing to do")
		return
	}

	profiles := auth.NewProfileRepository(store)
	for i, u := range demoUsers {
		p := auth.Profile{UserID: ids[i], PhoneNumber: u.phone, Name: u.name, Status: u.status}
		if err := profiles.Save(ctx, p); err != nil {
			log.Fatalf("seed: profile %s: %v", u.name, err)
		}
	}

	// Asha and Ben know each other; Chitra only knows Asha.
	pairs := [][2]int{{0, 1}, {1, 0}, {2, 0}}
	for _, pair := range pairs {
		owner, peer := demoUsers[pair[0]], demoUsers[pair[1]]
		entry := chatlist.Entry{
			UserID:      ids[pair[0]],
			Name:        peer.name,
			PhoneNumber: peer.phone,
		}
		if err := store.Write(ctx, remote.Join("chats", remote.PushKey()), entry); err != nil {
			log.Fatalf("seed: chat %s->%s: %v", owner.name, peer.name, err)
		}
	}

	messages := message.NewSynchronizer(store, nil)
	script := []struct {
		from, to int
		text     string
	}{
		{0, 1, "Hey Ben, are you around?"},
		{1, 0, "Give me ten minutes"},
		{0, 1, "No rush"},
		{2, 0, "Asha, call me when you can"},
	}
	for _, m := range script {
		if _, err := messages.Send(ctx, ids[m.from], ids[m.to], m.text); err != nil {
			log.Fatalf("seed: message %q: %v", m.text, err)
		}
	}

	log.Printf("seed: wrote %d profiles, %d chat entries, %d messages", len(demoUsers), len(pairs), len(script))
}
