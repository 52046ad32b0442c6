// chat is a line-oriented development client for the store server: phone
// sign-in, chat list, and one-to-one messaging over a single websocket.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"talkline/internal/auth"
	"talkline/internal/chatlist"
	"talkline/internal/config"
	"talkline/internal/message"
	"talkline/internal/prefs"
	"talkline/internal/remote/wsclient"
	"talkline/internal/verification"
	"talkline/internal/verification/phoneauth"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	stateDir, err := ensureStateDir()
	if err != nil {
		log.Fatalf("state dir: %v", err)
	}
	flags, err := prefs.NewFileStore(filepath.Join(stateDir, "prefs.json"))
	if err != nil {
		log.Fatalf("prefs: %v", err)
	}
	tokenPath := filepath.Join(stateDir, "identity.token")

	ctx := context.Background()
	client, err := wsclient.Dial(ctx, wsclient.Options{URL: cfg.ServerURL, Token: loadToken(tokenPath)})
	if err != nil {
		log.Fatalf("connect %s: %v", cfg.ServerURL, err)
	}
	defer client.Close()

	verifier := wsclient.NewVerifier(client)
	provider := &tokenSaver{Provider: verifier, path: tokenPath}

	app := &app{
		client:   client,
		messages: message.NewSynchronizer(client, nil),
	}
	app.chats = chatlist.NewSynchronizer(client, app.messages, phoneauth.UserIDForPhone)

	app.session = verification.NewSession(provider, 60*time.Second, func(gen uint64, cred verification.Credential) {
		profile, err := app.coordinator.CompleteVerification(ctx, gen, cred)
		if err != nil {
			fmt.Println("sign-in failed:", err)
			return
		}
		app.onSignedIn(ctx, profile)
	})
	app.coordinator = auth.NewCoordinator(provider, auth.NewProfileRepository(client), flags, app.session, nil)

	go app.watchSession()

	if token := loadToken(tokenPath); token != "" && flags.SignedIn() {
		if uid, _, err := client.Authenticate(ctx, token); err == nil {
			profile, _, err := auth.NewProfileRepository(client).Fetch(ctx, uid)
			if err == nil {
				app.onSignedIn(ctx, profile)
			}
		} else {
			fmt.Println("saved session expired, sign in again")
			_ = os.Remove(tokenPath)
		}
	}

	fmt.Println("commands: login <phone> | code <digits> | resend | chats | add <phone> <name> | open <phone> | send <text> | profile <name> [status] | logout | quit")
	app.repl(ctx)
}

type app struct {
	client      *wsclient.Client
	session     *verification.Session
	coordinator *auth.Coordinator
	chats       *chatlist.Synchronizer
	messages    *message.Synchronizer

	profile   auth.Profile
	openPeer  string
	closeOpen func()
}

func (a *app) onSignedIn(ctx context.Context, profile auth.Profile) {
	a.profile = profile
	name := profile.Name
	if name == "" {
		name = profile.PhoneNumber
	}
	fmt.Printf("signed in as %s\n", name)
	if err := a.chats.Subscribe(ctx, profile.UserID); err != nil && !strings.Contains(err.Error(), "already subscribed") {
		fmt.Println("chat list:", err)
	}
}

// watchSession prints verification transitions as they happen.
func (a *app) watchSession() {
	ch, cancel := a.session.State().Watch()
	defer cancel()
	for st := range ch {
		switch st.Kind {
		case verification.StateCodeSent:
			fmt.Printf("code sent to %s, enter it with: code <digits>\n", st.PhoneNumber)
		case verification.StateVerifying:
			fmt.Println("verifying...")
		case verification.StateFailed:
			fmt.Printf("verification failed (%s): %s\n", st.Reason, st.Detail)
		}
		if st.AutoDetectedCode != "" {
			fmt.Printf("code auto-detected: %s\n", st.AutoDetectedCode)
		}
	}
}

func (a *app) repl(ctx context.Context) {
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		cmd, rest, _ := strings.Cut(line, " ")
		rest = strings.TrimSpace(rest)
		switch cmd {
		case "login":
			if err := a.session.RequestCode(ctx, rest); err != nil {
				fmt.Println("login:", err)
			}
		case "code":
			if err := a.session.SubmitCode(rest); err != nil {
				fmt.Println("code:", err)
			}
		case "resend":
			if err := a.session.ResendCode(ctx); err != nil {
				fmt.Println("resend:", err)
			}
		case "chats":
			a.printChats()
		case "add":
			a.addChat(ctx, rest)
		case "open":
			a.openConversation(ctx, rest)
		case "send":
			a.send(ctx, rest)
		case "profile":
			a.saveProfile(ctx, rest)
		case "logout":
			if err := a.coordinator.SignOut(ctx); err != nil {
				fmt.Println("logout:", err)
				continue
			}
			a.chats.Close()
			a.profile = auth.Profile{}
			fmt.Println("signed out")
		case "quit":
			return
		default:
			fmt.Println("unknown command:", cmd)
		}
	}
}

func (a *app) printChats() {
	for _, s := range a.chats.Summaries().Get() {
		name := s.DisplayName
		if name == "" {
			name = s.PhoneNumber
		}
		fmt.Printf("  %-20s %s  %s\n", name, s.LastMessageTime, s.LastMessageText)
	}
}

func (a *app) addChat(ctx context.Context, rest string) {
	phone, name, _ := strings.Cut(rest, " ")
	if phone == "" {
		fmt.Println("usage: add <phone> <name>")
		return
	}
	err := a.chats.AddChat(ctx, chatlist.Entry{Name: strings.TrimSpace(name), PhoneNumber: phone})
	if err != nil {
		fmt.Println("add:", err)
	}
}

func (a *app) openConversation(ctx context.Context, phone string) {
	if a.profile.UserID == "" {
		fmt.Println("sign in first")
		return
	}
	if a.closeOpen != nil {
		a.closeOpen()
		a.closeOpen = nil
	}
	peer := phoneauth.UserIDForPhone(phone)
	cancel, err := a.messages.SubscribeToMessages(ctx, a.profile.UserID, peer, func(id string, msg message.Message) {
		who := "them"
		if msg.Sender == a.profile.PhoneNumber {
			who = "me"
		}
		fmt.Printf("  [%s] %s: %s\n", msg.DisplayTime(), who, msg.Text)
	})
	if err != nil {
		fmt.Println("open:", err)
		return
	}
	a.openPeer = peer
	a.closeOpen = cancel
	fmt.Println("conversation open with", phone)
}

func (a *app) send(ctx context.Context, text string) {
	if a.openPeer == "" {
		fmt.Println("open a conversation first")
		return
	}
	if _, err := a.messages.Send(ctx, a.profile.UserID, a.openPeer, text); err != nil {
		fmt.Println("send:", err)
	}
}

func (a *app) saveProfile(ctx context.Context, rest string) {
	if a.profile.UserID == "" {
		fmt.Println("sign in first")
		return
	}
	name, status, _ := strings.Cut(rest, " ")
	profile, err := a.coordinator.SaveProfile(ctx, a.profile.UserID, name, strings.TrimSpace(status), nil)
	if err != nil {
		fmt.Println("profile:", err)
		return
	}
	a.profile = profile
	fmt.Println("profile saved")
}

// tokenSaver persists the identity token from a successful sign-in so the
// next run can resume the session.
type tokenSaver struct {
	verification.Provider
	path string
}

func (p *tokenSaver) SignIn(ctx context.Context, cred verification.Credential) (verification.AuthResult, error) {
	res, err := p.Provider.SignIn(ctx, cred)
	if err == nil && res.IdentityToken != "" {
		if werr := os.WriteFile(p.path, []byte(res.IdentityToken), 0o600); werr != nil {
			log.Printf("save token: %v", werr)
		}
	}
	return res, err
}

func ensureStateDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(base, "talkline")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return dir, nil
}

func loadToken(path string) string {
	raw, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(raw))
}
