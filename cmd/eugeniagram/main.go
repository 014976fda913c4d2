// cmd/eugeniagram/main.go
// Command-line client for the Eugeniagram API

package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/eugeniagram/eugeniagram/internal/app"
	"github.com/eugeniagram/eugeniagram/internal/common/logger"
	"github.com/eugeniagram/eugeniagram/internal/config"
	"github.com/eugeniagram/eugeniagram/internal/store/httpclient"
)

// stderrNotifier prints prompts and alerts for the terminal user
type stderrNotifier struct {
	out io.Writer
}

func (n stderrNotifier) PromptSignIn() {
	fmt.Fprintln(n.out, "sign in first: set EUGENIAGRAM_EMAIL and EUGENIAGRAM_PASSWORD or run `login`")
}

func (n stderrNotifier) Alert(message string) {
	fmt.Fprintln(n.out, "!", message)
}

func main() {
	_ = godotenv.Load()
	cfg := config.LoadClient()

	flag.StringVar(&cfg.APIURL, "api", cfg.APIURL, "API base URL")
	flag.StringVar(&cfg.Email, "email", cfg.Email, "account email")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	flag.Usage = usage
	flag.Parse()

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		os.Exit(2)
	}
	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, args, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.ClientConfig, args []string, in io.Reader, out io.Writer) error {
	cmd, ok := commands[args[0]]
	if !ok {
		return fmt.Errorf("unknown command %q", args[0])
	}
	if len(args)-1 < cmd.minArgs {
		return fmt.Errorf("usage: eugeniagram %s %s", args[0], cmd.args)
	}

	log := logger.New(logger.Opts{Level: cfg.LogLevel, Output: os.Stderr})
	client := httpclient.New(httpclient.Config{BaseURL: cfg.APIURL}, log)
	defer client.Close()

	a, err := app.New(client, stderrNotifier{out: os.Stderr}, log, app.Options{
		CommentRefreshDelay: cfg.CommentRefreshDelay,
		AuthLoadingTimeout:  cfg.AuthLoadingTimeout,
	})
	if err != nil {
		return err
	}
	defer a.Close()

	a.Start(ctx)
	if a.Viewer() == nil && cfg.Email != "" && cfg.Password != "" {
		if err := a.SignIn(ctx, cfg.Email, cfg.Password); err != nil {
			return err
		}
	}

	return cmd.run(&session{ctx: ctx, app: a, in: in, out: out}, args[1:])
}

type session struct {
	ctx context.Context
	app *app.App
	in  io.Reader
	out io.Writer
}

func (s *session) printf(format string, args ...any) {
	fmt.Fprintf(s.out, format, args...)
}

type command struct {
	args    string
	help    string
	minArgs int
	run     func(s *session, args []string) error
}

var commands map[string]command

func init() {
	commands = map[string]command{
		"login":         {"<email> <password>", "sign in", 2, cmdLogin},
		"signup":        {"<email> <password> <username> [full name]", "create an account", 3, cmdSignup},
		"reset":         {"<email>", "email a password recovery token", 1, cmdReset},
		"recover":       {"<token> <new password>", "set a new password from a recovery token", 2, cmdRecover},
		"feed":          {"", "list posts and reels", 0, cmdFeed},
		"trending":      {"", "top posts and reels by interactions", 0, cmdTrending},
		"search":        {"<query>", "search posts and reels", 1, cmdSearch},
		"saved":         {"", "list saved posts and reels", 0, cmdSaved},
		"like":          {"<post|reel> <id>", "toggle a like", 2, cmdLike},
		"save":          {"<post|reel> <id>", "toggle a save", 2, cmdSave},
		"comments":      {"<post|reel> <id>", "list comments", 2, cmdComments},
		"comment":       {"<post|reel> <id> <text>", "add a comment", 3, cmdComment},
		"stories":       {"", "list active stories by author", 0, cmdStories},
		"highlights":    {"<user id>", "list highlights", 1, cmdHighlights},
		"profile":       {"<user id>", "show a profile", 1, cmdProfile},
		"people":        {"<query>", "search profiles", 1, cmdPeople},
		"follow":        {"<user id>", "toggle following a user", 1, cmdFollow},
		"conversations": {"", "list conversations", 0, cmdConversations},
		"chat":          {"<user id>", "open a conversation and send lines from stdin", 1, cmdChat},
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: eugeniagram [flags] <command> [args]")
	fmt.Fprintln(os.Stderr, "\ncommands:")
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		c := commands[name]
		fmt.Fprintf(os.Stderr, "  %-14s %-42s %s\n", name, c.args, c.help)
	}
	fmt.Fprintln(os.Stderr, "\nflags:")
	flag.PrintDefaults()
}

func parseRef(kind, id string) (app.ItemRef, error) {
	switch app.Kind(kind) {
	case app.KindPost, app.KindReel:
		return app.ItemRef{Kind: app.Kind(kind), ID: id}, nil
	}
	return app.ItemRef{}, fmt.Errorf("kind must be post or reel, got %q", kind)
}

func cmdLogin(s *session, args []string) error {
	if err := s.app.SignIn(s.ctx, args[0], args[1]); err != nil {
		return err
	}
	s.printf("signed in as %s\n", s.app.Viewer().Email)
	return nil
}

func cmdSignup(s *session, args []string) error {
	fullName := strings.Join(args[3:], " ")
	if err := s.app.SignUp(s.ctx, args[0], args[1], args[2], fullName); err != nil {
		return err
	}
	s.printf("welcome, %s\n", args[2])
	return nil
}

func cmdReset(s *session, args []string) error {
	if err := s.app.RequestPasswordReset(s.ctx, args[0]); err != nil {
		return err
	}
	s.printf("if the address has an account, a recovery token is on its way\n")
	return nil
}

func cmdRecover(s *session, args []string) error {
	if err := s.app.VerifyRecovery(s.ctx, args[0]); err != nil {
		return err
	}
	if err := s.app.UpdatePassword(s.ctx, args[1]); err != nil {
		return err
	}
	s.printf("password updated\n")
	return nil
}

func (s *session) loadFeed() {
	s.app.FetchPosts(s.ctx)
	s.app.FetchReels(s.ctx)
}

func (s *session) printItems(items []app.FeedItem) {
	if len(items) == 0 {
		s.printf("nothing here yet\n")
		return
	}
	for _, it := range items {
		author := it.UserID
		if it.Author != nil && it.Author.Username != "" {
			author = "@" + it.Author.Username
		}
		marks := ""
		if it.LikedByUser {
			marks += " ♥"
		}
		if it.SavedByUser {
			marks += " ★"
		}
		s.printf("[%s %s] %s by %s  likes=%d comments=%d saves=%d%s\n",
			it.Kind, it.ID, it.Title, author, it.Likes, it.Comments, it.Saves, marks)
	}
}

func cmdFeed(s *session, _ []string) error {
	s.loadFeed()
	s.printItems(app.MergeFeed(s.app.Posts(), s.app.Reels()))
	return nil
}

func cmdTrending(s *session, _ []string) error {
	s.loadFeed()
	s.printItems(s.app.Trending())
	return nil
}

func cmdSearch(s *session, args []string) error {
	s.loadFeed()
	s.printItems(s.app.Search(strings.Join(args, " ")))
	return nil
}

func cmdSaved(s *session, _ []string) error {
	if s.app.Viewer() == nil {
		return app.ErrAuthRequired
	}
	s.app.FetchSavedItems(s.ctx)
	s.printItems(s.app.SavedItems())
	return nil
}

func cmdLike(s *session, args []string) error {
	ref, err := parseRef(args[0], args[1])
	if err != nil {
		return err
	}
	s.loadFeed()
	if err := s.app.ToggleLike(s.ctx, ref); err != nil {
		return err
	}
	item, _ := s.app.Item(ref)
	s.printf("liked=%v likes=%d\n", item.LikedByUser, item.Likes)
	return nil
}

func cmdSave(s *session, args []string) error {
	ref, err := parseRef(args[0], args[1])
	if err != nil {
		return err
	}
	s.loadFeed()
	if err := s.app.ToggleSave(s.ctx, ref); err != nil {
		return err
	}
	item, _ := s.app.Item(ref)
	s.printf("saved=%v saves=%d\n", item.SavedByUser, item.Saves)
	return nil
}

func (s *session) printComments(ref app.ItemRef) {
	for _, c := range s.app.Comments(ref) {
		author := c.UserID
		if c.Author != nil {
			author = "@" + c.Author.Username
		}
		s.printf("%s  %s: %s\n", c.CreatedAt.Local().Format("Jan 2 15:04"), author, c.Text)
	}
}

func cmdComments(s *session, args []string) error {
	ref, err := parseRef(args[0], args[1])
	if err != nil {
		return err
	}
	s.app.FetchComments(s.ctx, ref)
	s.printComments(ref)
	return nil
}

func cmdComment(s *session, args []string) error {
	ref, err := parseRef(args[0], args[1])
	if err != nil {
		return err
	}
	s.loadFeed()
	if err := s.app.AddComment(s.ctx, ref, strings.Join(args[2:], " ")); err != nil {
		return err
	}
	s.app.Wait()
	s.printComments(ref)
	return nil
}

func cmdStories(s *session, _ []string) error {
	s.app.FetchStories(s.ctx)
	groups := s.app.GroupedStories()
	if len(groups) == 0 {
		s.printf("no active stories\n")
	}
	for _, g := range groups {
		name := g.UserID
		if g.Author != nil {
			name = "@" + g.Author.Username
		}
		s.printf("%s (%d)\n", name, len(g.Stories))
		for _, st := range g.Stories {
			s.printf("  [%s] %s %s expires %s\n", st.ID, st.MediaType, st.MediaURL, st.ExpiresAt.Local().Format("Jan 2 15:04"))
		}
	}
	return nil
}

func cmdHighlights(s *session, args []string) error {
	s.app.FetchHighlights(s.ctx, args[0])
	list, _ := s.app.Highlights()
	for _, h := range list {
		s.printf("[%s] %s (%d stories)\n", h.ID, h.Title, len(h.Stories))
	}
	return nil
}

func cmdProfile(s *session, args []string) error {
	s.app.OpenProfile(s.ctx, args[0])
	v := s.app.OpenedProfile()
	if v == nil {
		return fmt.Errorf("profile %s not found", args[0])
	}
	s.printf("@%s  %s\n%s\nposts=%d followers=%d following=%d you_follow=%v\n",
		v.Profile.Username, v.Profile.FullName, v.Profile.Bio, v.Posts, v.Followers, v.Following, v.IsFollowing)
	return nil
}

func cmdPeople(s *session, args []string) error {
	found, err := s.app.SearchProfiles(s.ctx, strings.Join(args, " "))
	if err != nil {
		return err
	}
	for _, p := range found {
		s.printf("%s  @%s  %s\n", p.ID, p.Username, p.FullName)
	}
	return nil
}

func cmdFollow(s *session, args []string) error {
	s.app.FetchViewerStats(s.ctx)
	if err := s.app.ToggleFollow(s.ctx, args[0]); err != nil {
		return err
	}
	s.printf("following=%v\n", s.app.IsFollowing(args[0]))
	return nil
}

func cmdConversations(s *session, _ []string) error {
	if s.app.Viewer() == nil {
		return app.ErrAuthRequired
	}
	s.app.FetchConversations(s.ctx)
	for _, c := range s.app.Conversations() {
		with := "?"
		if p := c.Interlocutor; p != nil {
			with = p.ID
			if p.Username != "" {
				with = "@" + p.Username
			}
		}
		s.printf("[%s] with %s, last active %s\n", c.ID, with, c.UpdatedAt.Local().Format("Jan 2 15:04"))
	}
	return nil
}

func cmdChat(s *session, args []string) error {
	id, err := s.app.StartConversation(s.ctx, args[0])
	if err != nil {
		return err
	}
	s.printf("conversation %s, type a message and press enter, ctrl-d to quit\n", id)
	for _, m := range s.app.Messages() {
		s.printMessage(m)
	}

	seen := len(s.app.Messages())
	scanner := bufio.NewScanner(s.in)
	for scanner.Scan() {
		if err := s.app.SendMessage(s.ctx, scanner.Text()); err != nil && !errors.Is(err, app.ErrEmptyText) {
			return err
		}
		msgs := s.app.Messages()
		for _, m := range msgs[min(seen, len(msgs)):] {
			s.printMessage(m)
		}
		seen = len(msgs)
	}
	return scanner.Err()
}

func (s *session) printMessage(m app.Message) {
	from := m.SenderID
	if m.Sender != nil && m.Sender.Username != "" {
		from = "@" + m.Sender.Username
	}
	s.printf("%s  %s: %s\n", m.CreatedAt.Local().Format("15:04"), from, m.Content)
}
