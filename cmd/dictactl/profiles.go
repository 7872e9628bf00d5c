package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/domain"
	"github.com/loqalabs/loqa-dictate/internal/events"
	"github.com/loqalabs/loqa-dictate/internal/profile"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
	"github.com/loqalabs/loqa-dictate/internal/runtime"
)

const eventSource = "dictactl"

// apiKeyEnv lets scripts pass a credential without putting it in argv.
const apiKeyEnv = "DICTA_PROFILE_API_KEY"

type profileFlags struct {
	fs       *flag.FlagSet
	config   string
	id       string
	name     string
	language string
	engine   string
	model    string
	port     int
	apiKey   string
	asJSON   bool
}

func newProfileFlags(name string, stderr io.Writer) *profileFlags {
	f := &profileFlags{fs: flag.NewFlagSet(name, flag.ContinueOnError)}
	f.fs.SetOutput(stderr)
	f.fs.StringVar(&f.config, "config", "", "Path to configuration file")
	f.fs.StringVar(&f.id, "id", "", "Profile id")
	f.fs.StringVar(&f.name, "name", "", "Profile name")
	f.fs.StringVar(&f.language, "language", "", "Language code or auto")
	f.fs.StringVar(&f.engine, "engine", "", "cloud or local")
	f.fs.StringVar(&f.model, "model", "", "Local model name")
	f.fs.IntVar(&f.port, "port", 0, "Local server port")
	f.fs.StringVar(&f.apiKey, "api-key", "", "Cloud credential (or set "+apiKeyEnv+")")
	f.fs.BoolVar(&f.asJSON, "json", false, "Print JSON")
	return f
}

func (f *profileFlags) set() map[string]bool {
	seen := map[string]bool{}
	f.fs.Visit(func(fl *flag.Flag) { seen[fl.Name] = true })
	return seen
}

func (f *profileFlags) key() string {
	if f.apiKey != "" {
		return f.apiKey
	}
	return os.Getenv(apiKeyEnv)
}

func runProfiles(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, usage)
		return 2
	}
	sub := args[0]
	flags := newProfileFlags("profiles "+sub, stderr)
	if err := flags.fs.Parse(args[1:]); err != nil {
		return 2
	}

	cfg, err := config.Load(flags.config)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stores, err := runtime.OpenStores(ctx, cfg.Store, logger)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer stores.Close()
	store := stores.Profiles

	mutated := false
	switch sub {
	case "list":
		profiles, lerr := store.List(ctx)
		if lerr != nil {
			err = lerr
			break
		}
		activeID := ""
		if p, aerr := store.Active(ctx); aerr == nil {
			activeID = p.ID
		}
		if flags.asJSON {
			if profiles == nil {
				profiles = []domain.Profile{}
			}
			err = printJSON(stdout, profiles)
			break
		}
		printTable(stdout, profiles, activeID)
	case "active":
		var p domain.Profile
		if p, err = store.Active(ctx); err == nil {
			err = printJSON(stdout, p)
		}
	case "create":
		var p domain.Profile
		p, err = store.Create(ctx, profile.CreateRequest{
			Name:     flags.name,
			Language: flags.language,
			Engine:   domain.Engine(flags.engine),
			Model:    flags.model,
			Port:     flags.port,
			APIKey:   flags.key(),
		})
		if err == nil {
			mutated = true
			err = printJSON(stdout, p)
		}
	case "update":
		var p domain.Profile
		p, err = store.Update(ctx, flags.id, flags.updateRequest())
		if err == nil {
			mutated = true
			err = printJSON(stdout, p)
		}
	case "delete":
		if err = store.Delete(ctx, flags.id); err == nil {
			mutated = true
			fmt.Fprintln(stdout, "deleted", flags.id)
		}
	case "activate":
		if err = store.SetActive(ctx, flags.id); err == nil {
			mutated = true
			fmt.Fprintln(stdout, "active", flags.id)
		}
	case "deactivate":
		if err = store.ClearActive(ctx); err == nil {
			mutated = true
			fmt.Fprintln(stdout, "no active profile")
		}
	default:
		fmt.Fprintf(stderr, "unknown profiles command %q\n", sub)
		return 2
	}
	if err != nil {
		fmt.Fprintln(stderr, describe(err))
		return 1
	}

	if mutated && cfg.Bus.Enabled {
		notifyDaemon(cfg.Bus, logger)
	}
	return 0
}

func (f *profileFlags) updateRequest() profile.UpdateRequest {
	var req profile.UpdateRequest
	seen := f.set()
	if seen["name"] {
		req.Name = &f.name
	}
	if seen["language"] {
		req.Language = &f.language
	}
	if seen["engine"] {
		e := domain.Engine(f.engine)
		req.Engine = &e
	}
	if seen["model"] {
		req.Model = &f.model
	}
	if seen["port"] {
		req.Port = &f.port
	}
	if key := f.key(); seen["api-key"] || key != "" {
		req.APIKey = &key
	}
	return req
}

// notifyDaemon tells a running daemon to re-read the store. A daemon that
// is not running is not an error.
func notifyDaemon(cfg config.BusConfig, logger *slog.Logger) {
	client, err := bus.Connect(cfg, eventSource, logger)
	if err != nil {
		logger.Warn("daemon not notified", slog.String("error", err.Error()))
		return
	}
	defer client.Close()
	if err := events.PublishProfilesChanged(client, eventSource); err != nil {
		logger.Warn("daemon not notified", slog.String("error", err.Error()))
	}
}

func runCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, usage)
		return 2
	}
	action := args[0]
	fs := flag.NewFlagSet("command "+action, flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if !cfg.Bus.Enabled {
		fmt.Fprintln(stderr, "bus.enabled is false; use the HTTP control API instead")
		return 1
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	client, err := bus.Connect(cfg.Bus, eventSource, logger)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer client.Close()

	data, _ := json.Marshal(protocol.Command{Action: action})
	msg, err := client.Conn().Request(protocol.SubjectCommand, data, 10*time.Second)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	var reply protocol.CommandReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	_ = printJSON(stdout, reply.Status)
	if !reply.OK {
		fmt.Fprintln(stderr, reply.Error)
		return 1
	}
	return 0
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printTable(w io.Writer, profiles []domain.Profile, activeID string) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ACTIVE\tID\tNAME\tENGINE\tLANGUAGE\tPORT\tMODEL")
	for _, p := range profiles {
		marker := ""
		if p.ID == activeID {
			marker = "*"
		}
		port := ""
		if p.Engine == domain.EngineLocal {
			port = fmt.Sprint(p.Port)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", marker, p.ID, p.Name, p.Engine, p.Language, port, p.Model)
	}
	_ = tw.Flush()
}

func describe(err error) string {
	var dup *profile.DuplicateNameError
	switch {
	case errors.As(err, &dup):
		return fmt.Sprintf("a profile named %q already exists", dup.Name)
	case errors.Is(err, profile.ErrMissingCredential):
		return "cloud profiles need -api-key or " + apiKeyEnv
	case errors.Is(err, profile.ErrNoActiveProfile):
		return "no active profile"
	default:
		return err.Error()
	}
}
