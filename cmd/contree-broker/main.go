package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"

	"github.com/contree-dev/contree-broker/broker"
	"github.com/contree-dev/contree-broker/cache"
	"github.com/contree-dev/contree-broker/cmd/common"
	"github.com/contree-dev/contree-broker/contree"
	"github.com/contree-dev/contree-broker/filesync"
)

func usage() {
	fmt.Printf(`contree-broker - run commands in remote containers from the command line.

Commands are executed in fresh microVM instances booted from immutable image
snapshots. Local directories sync incrementally into the remote file store,
so repeated runs over an unchanged tree upload nothing.

Usage: contree-broker [options] <action> [args]

Actions:
  run <command>                Run a command in a fresh instance (needs --image)
  rsync <source> <dest>        Sync a local directory into the file store
  import <registry-url>        Import an image from an OCI registry
  download <path> <dest>       Download a file out of an image (needs --image)
  upload <path>                Upload a single file, printing its reference
  images                       List images
  operations                   List recent operations
  tag <image> <tag>            Point a tag at an image
  lineage <image>              Show an image's recorded ancestry
  registry-auth <url> <user>   Validate and store a registry token (read from stdin)

Valid options:
`)
	flag.PrintDefaults()
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})

	// setup cli parsing
	configPath := flag.StringP("config-file", "f", common.DefaultConfigPath(),
		"A YAML-formatted configuration file used by contree-broker.")
	logLevel := flag.StringP("log", "l", "",
		"Set logging level/verbosity. "+
			"Can be one of: fatal, error, warn, info, debug, trace")
	cacheDir := flag.StringP("cache-dir", "c", "",
		"Change the default cache directory used by contree-broker. "+
			"Will be created if the path does not already exist.")
	wipeCache := flag.BoolP("wipe-cache", "w", false,
		"Delete the existing contree-broker cache directory and then exit. "+
			"This is equivalent to resetting the program.")
	retentionDays := flag.Int("retention-days", 0,
		"Override how many days cached entries are kept before being pruned.")
	serviceURL := flag.StringP("url", "u", "", "The contree service endpoint.")
	token := flag.StringP("token", "t", "", "The bearer token for the contree service.")
	image := flag.StringP("image", "i", "",
		"The image to operate on: a UUID or tag:<name>.")
	stateID := flag.Int64P("state", "s", 0,
		"A directory state id (from rsync) to inject into the instance.")
	excludes := flag.StringArrayP("exclude", "x", nil,
		"Glob patterns excluded from rsync, relative to the source root. Repeatable.")
	noWait := flag.Bool("no-wait", false,
		"Return the operation id immediately instead of waiting for completion.")
	maxWait := flag.Duration("max-wait", 10*time.Minute,
		"How long to wait for an operation before cancelling it.")
	executable := flag.Bool("executable", false, "Mark the downloaded file executable.")
	anonymous := flag.Bool("anonymous", false,
		"Allow image imports without stored registry credentials.")
	importTag := flag.String("tag", "latest", "The image tag to import.")
	versionFlag := flag.BoolP("version", "v", false, "Display program version.")
	help := flag.BoolP("help", "h", false, "Displays this help message.")
	flag.Usage = usage
	flag.Parse()

	if *help {
		flag.Usage()
		os.Exit(0)
	}
	if *versionFlag {
		fmt.Println("contree-broker", common.Version())
		os.Exit(0)
	}

	config := common.LoadConfig(*configPath)
	// command line options override config options
	if *cacheDir != "" {
		config.CacheDir = *cacheDir
	}
	if *logLevel != "" {
		config.LogLevel = *logLevel
	}
	if *serviceURL != "" {
		config.URL = *serviceURL
	}
	if *token != "" {
		config.Token = *token
	}
	if *retentionDays > 0 {
		config.RetentionDays = *retentionDays
	}

	zerolog.SetGlobalLevel(common.StringToLevel(config.LogLevel))

	// wipe cache if desired
	if *wipeCache {
		log.Info().Str("path", config.CacheDir).Msg("Removing cache.")
		os.RemoveAll(config.CacheDir)
		os.Exit(0)
	}

	if len(flag.Args()) == 0 {
		flag.Usage()
		fmt.Fprintf(os.Stderr, "\nNo action provided, exiting.\n")
		os.Exit(1)
	}
	if config.Token == "" {
		log.Fatal().Msg("No token configured. Set \"token\" in the config file or pass --token.")
	}

	generalCache, err := cache.Open(filepath.Join(config.CacheDir, "cache.db"), config.RetentionDays)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not open the general cache.")
	}
	fileCache, err := filesync.Open(filepath.Join(config.CacheDir, "files.db"), config.RetentionDays)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not open the file cache.")
	}
	if err := fileCache.Retain(); err != nil {
		log.Warn().Err(err).Msg("File cache pruning failed.")
	}
	client := contree.NewClient(config.URL, config.Token, generalCache)
	b := broker.New(client, generalCache, fileCache)

	// cancel in-flight work on sigint so remote operations don't run on
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = dispatch(ctx, b, flag.Args(), actionOptions{
		image:      *image,
		stateID:    *stateID,
		excludes:   *excludes,
		wait:       !*noWait,
		maxWait:    *maxWait,
		executable: *executable,
		anonymous:  *anonymous,
		importTag:  *importTag,
	})
	if closeErr := b.Close(); closeErr != nil {
		log.Warn().Err(closeErr).Msg("Shutdown was not clean.")
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Action failed.")
	}
}

type actionOptions struct {
	image      string
	stateID    int64
	excludes   []string
	wait       bool
	maxWait    time.Duration
	executable bool
	anonymous  bool
	importTag  string
}

func dispatch(ctx context.Context, b *broker.Broker, args []string, opts actionOptions) error {
	action := args[0]
	args = args[1:]

	switch action {
	case "run":
		if len(args) < 1 {
			return fmt.Errorf("usage: run <command>")
		}
		result, err := b.Run(ctx, broker.RunRequest{
			Command:          args[0],
			Image:            opts.image,
			Shell:            true,
			DirectoryStateID: opts.stateID,
			Wait:             opts.wait,
			MaxWait:          opts.maxWait,
		})
		if err != nil {
			return err
		}
		if result.Operation == nil {
			return printJSON(map[string]string{"operation": result.OperationID})
		}
		if result.Operation.Result != nil {
			fmt.Print(result.Operation.Result.Stdout)
			fmt.Fprint(os.Stderr, result.Operation.Result.Stderr)
		}
		return printJSON(result.Operation)

	case "rsync":
		if len(args) < 2 {
			return fmt.Errorf("usage: rsync <source> <destination>")
		}
		id, err := b.Rsync(ctx, args[0], args[1], opts.excludes, filepath.Base(args[0]))
		if err != nil {
			return err
		}
		return printJSON(map[string]int64{"state": id})

	case "import":
		if len(args) < 1 {
			return fmt.Errorf("usage: import <registry-url>")
		}
		result, err := b.ImportImage(ctx, broker.ImportRequest{
			RegistryURL:    args[0],
			Tag:            opts.importTag,
			AllowAnonymous: opts.anonymous,
			Wait:           opts.wait,
			MaxWait:        opts.maxWait,
		})
		if err != nil {
			return err
		}
		if result.Operation == nil {
			return printJSON(map[string]string{"operation": result.OperationID})
		}
		return printJSON(result.Operation)

	case "download":
		if len(args) < 2 {
			return fmt.Errorf("usage: download <path-in-image> <destination>")
		}
		size, err := b.Download(ctx, opts.image, args[0], args[1], opts.executable)
		if err != nil {
			return err
		}
		return printJSON(map[string]any{"destination": args[1], "size": size})

	case "upload":
		if len(args) < 1 {
			return fmt.Errorf("usage: upload <path>")
		}
		ref, err := b.Upload(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(ref)

	case "images":
		images, err := b.Client.ListImages(ctx, contree.ListImagesOptions{})
		if err != nil {
			return err
		}
		return printJSON(images)

	case "operations":
		operations, err := b.Client.ListOperations(ctx, contree.ListOperationsOptions{})
		if err != nil {
			return err
		}
		return printJSON(operations)

	case "tag":
		if len(args) < 2 {
			return fmt.Errorf("usage: tag <image> <tag>")
		}
		tagged, err := b.SetTag(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		return printJSON(tagged)

	case "lineage":
		if len(args) < 1 {
			return fmt.Errorf("usage: lineage <image>")
		}
		nodes, err := b.Lineage(ctx, args[0], 50)
		if err != nil {
			return err
		}
		return printJSON(nodes)

	case "registry-auth":
		if len(args) < 2 {
			return fmt.Errorf("usage: registry-auth <registry-url> <username> (token on stdin)")
		}
		token, err := readToken()
		if err != nil {
			return err
		}
		registryName, err := b.RegistryAuth(ctx, args[0], args[1], token)
		if err != nil {
			return err
		}
		return printJSON(map[string]string{"registry": registryName, "username": args[1]})

	default:
		return fmt.Errorf("unknown action %q", action)
	}
}

// readToken reads a registry token from stdin so it never lands in shell
// history or process listings.
func readToken() (string, error) {
	fmt.Fprint(os.Stderr, "Token: ")
	var token string
	if _, err := fmt.Fscanln(os.Stdin, &token); err != nil {
		return "", fmt.Errorf("could not read token from stdin: %w", err)
	}
	return token, nil
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
