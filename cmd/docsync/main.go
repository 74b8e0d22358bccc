package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"docsync/internal/app"
	"docsync/internal/blobstore"
	"docsync/internal/config"
	"docsync/internal/docmodel"
	"docsync/internal/queryengine"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newApp reads the config and creates an App. The caller must defer app.Close().
// operation identifies the CLI command being run (e.g. "put", "replicate").
func newApp(operation string) (*app.App, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	a, err := app.NewApp(cfg, operation)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}

	return a, nil
}

var rootCmd = &cobra.Command{
	Use:   "docsync",
	Short: "Embedded document store with CouchDB-compatible replication",
}

// config command

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		hostID := uuid.New().String()
		cfg := config.NewConfig(hostID, defaults["base_dir"])

		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Host ID: %s\n", hostID)
		fmt.Printf("Base Dir: %s\n", defaults["base_dir"])
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Host ID:      %s\n", cfg.HostID)
		fmt.Printf("Base Dir:     %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:      %s\n", cfg.LogDir)
		fmt.Printf("Store:        %s (%s)\n", cfg.Store.Type, cfg.Store.DataDir)
		fmt.Printf("Blob Store:   %s (%s)\n", cfg.BlobStore.Type, cfg.BlobStore.Root)
		fmt.Printf("Query Engine: enabled=%v (%s)\n", cfg.QueryEngine.Enabled, cfg.QueryEngine.DataDir)
		for _, r := range cfg.Replication {
			fmt.Printf("Replication:  %s %s -> %s\n", r.Name, r.Type, r.RemoteURL)
		}
		return nil
	},
}

// keys command

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage the attachment-at-rest encryption key",
}

var keysInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate an attachment encryption key pair, protected by a passphrase",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}
		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		passphrase, err := readPassphrase()
		if err != nil {
			return err
		}

		if err := blobstore.GenerateKeyPair(cfg.Encryption.PublicKeyPath, cfg.Encryption.PrivateKeyPath, passphrase); err != nil {
			return fmt.Errorf("generating key pair: %w", err)
		}

		cfg.Encryption.Type = "age"
		if err := config.Save(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("saving config: %w", err)
		}

		fmt.Printf("Key pair written to %s and %s\n", cfg.Encryption.PublicKeyPath, cfg.Encryption.PrivateKeyPath)
		fmt.Println("Set DOCSYNC_PASSPHRASE before running commands that read encrypted attachments.")
		return nil
	},
}

// readPassphrase prompts twice on the controlling terminal, without echo,
// and requires the two entries to match.
func readPassphrase() (string, error) {
	fmt.Print("Passphrase: ")
	first, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}

	fmt.Print("Confirm passphrase: ")
	second, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("reading passphrase confirmation: %w", err)
	}

	if string(first) != string(second) {
		return "", fmt.Errorf("passphrases do not match")
	}
	if len(first) == 0 {
		return "", fmt.Errorf("passphrase must not be empty")
	}
	return string(first), nil
}

// doc command

var docCmd = &cobra.Command{
	Use:   "doc",
	Short: "Read and write documents",
}

var docPutCmd = &cobra.Command{
	Use:   "put DOCID",
	Short: "Create or update a document from JSON on stdin",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rev, _ := cmd.Flags().GetString("rev")

		a, err := newApp("put")
		if err != nil {
			return err
		}
		defer a.Close()

		body, err := readStdin()
		if err != nil {
			return err
		}

		var result docmodel.Revision
		if rev == "" {
			result, err = a.Create(args[0], body, nil)
		} else {
			result, err = a.Update(args[0], rev, body, nil)
		}
		if err != nil {
			return err
		}

		fmt.Printf("%s\t%s\n", result.DocID, result.RevID)
		return nil
	},
}

var docGetCmd = &cobra.Command{
	Use:   "get DOCID",
	Short: "Print a document's JSON body",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rev, _ := cmd.Flags().GetString("rev")

		a, err := newApp("get")
		if err != nil {
			return err
		}
		defer a.Close()

		result, err := a.Get(args[0], rev)
		if err != nil {
			return err
		}

		fmt.Printf("_rev: %s\n", result.RevID)
		if result.Deleted {
			fmt.Println("_deleted: true")
			return nil
		}
		fmt.Println(string(result.Body))
		return nil
	},
}

var docDeleteCmd = &cobra.Command{
	Use:   "delete DOCID REV",
	Short: "Delete a document revision",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("delete")
		if err != nil {
			return err
		}
		defer a.Close()

		tomb, err := a.Delete(args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Printf("%s\t%s\n", tomb.DocID, tomb.RevID)
		return nil
	},
}

var docConflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "List document ids with unresolved conflicts",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("conflicts")
		if err != nil {
			return err
		}
		defer a.Close()

		ids, err := a.ConflictedIDs()
		if err != nil {
			return err
		}
		for _, id := range ids {
			fmt.Println(id)
		}
		return nil
	},
}

// changes command

var changesCmd = &cobra.Command{
	Use:   "changes",
	Short: "View the change feed",
	RunE: func(cmd *cobra.Command, args []string) error {
		since, _ := cmd.Flags().GetInt64("since")
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp("changes")
		if err != nil {
			return err
		}
		defer a.Close()

		entries, last, err := a.Changes(since, limit)
		if err != nil {
			return err
		}
		for _, e := range entries {
			status := "live"
			if e.Deleted {
				status = "deleted"
			}
			fmt.Printf("%d\t%s\t%s\t%s\n", e.Sequence, e.DocID, e.Winner.RevID, status)
		}
		fmt.Printf("last_seq: %d\n", last)
		return nil
	},
}

// find command

var findCmd = &cobra.Command{
	Use:   "find",
	Short: "Run an ad-hoc query from a JSON selector on stdin",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp("find")
		if err != nil {
			return err
		}
		defer a.Close()

		body, err := readStdin()
		if err != nil {
			return err
		}
		var sel queryengine.Selector
		if err := json.Unmarshal(body, &sel); err != nil {
			return fmt.Errorf("parsing selector: %w", err)
		}

		results, err := a.Find(context.Background(), sel, limit)
		if err != nil {
			return err
		}
		for _, r := range results {
			fmt.Printf("%s\t%s\t%s\n", r.DocID, r.Rev.RevID, string(r.Rev.Body))
		}
		return nil
	},
}

// index command

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Manage ad-hoc query indexes",
}

var indexCreateCmd = &cobra.Command{
	Use:   "create NAME FIELD...",
	Short: "Create an index over one or more fields",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		text, _ := cmd.Flags().GetBool("text")

		a, err := newApp("index-create")
		if err != nil {
			return err
		}
		defer a.Close()

		typ := queryengine.IndexJSON
		if text {
			typ = queryengine.IndexText
		}

		if err := a.CreateIndex(context.Background(), args[0], args[1:], typ); err != nil {
			return err
		}
		fmt.Printf("Index %q created\n", args[0])
		return nil
	},
}

var indexListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured indexes",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("index-list")
		if err != nil {
			return err
		}
		defer a.Close()

		indexes, err := a.ListIndexes(context.Background())
		if err != nil {
			return err
		}
		for _, idx := range indexes {
			fmt.Printf("%s\t%s\t%v\tlast_seq=%d\n", idx.Name, idx.Type, idx.Fields, idx.LastSequence)
		}
		return nil
	},
}

var indexDeleteCmd = &cobra.Command{
	Use:   "delete NAME",
	Short: "Delete an index",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("index-delete")
		if err != nil {
			return err
		}
		defer a.Close()

		return a.DeleteIndex(context.Background(), args[0])
	},
}

// replicate command

var replicateCmd = &cobra.Command{
	Use:   "replicate NAME",
	Short: "Run a configured pull or push replication to completion",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("replicate")
		if err != nil {
			return err
		}
		defer a.Close()

		count, err := a.Replicate(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("replication %q failed after %d document(s): %w", args[0], count, err)
		}
		fmt.Printf("Replicated %d document(s)\n", count)
		return nil
	},
}

// compact command

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Purge non-leaf revision bodies",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("compact")
		if err != nil {
			return err
		}
		defer a.Close()

		return a.Compact()
	},
}

func readStdin() ([]byte, error) {
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return nil, fmt.Errorf("reading stdin: %w", err)
	}
	return data, nil
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)
	rootCmd.AddCommand(configCmd)

	keysCmd.AddCommand(keysInitCmd)
	rootCmd.AddCommand(keysCmd)

	docPutCmd.Flags().String("rev", "", "parent revision (omit to create a new document)")
	docGetCmd.Flags().String("rev", "", "specific revision (omit for the current winner)")
	docCmd.AddCommand(docPutCmd)
	docCmd.AddCommand(docGetCmd)
	docCmd.AddCommand(docDeleteCmd)
	docCmd.AddCommand(docConflictsCmd)
	rootCmd.AddCommand(docCmd)

	changesCmd.Flags().Int64("since", 0, "sequence to start after")
	changesCmd.Flags().Int("limit", 100, "maximum number of entries to return")
	rootCmd.AddCommand(changesCmd)

	findCmd.Flags().Int("limit", 0, "maximum number of results (0 = unlimited)")
	rootCmd.AddCommand(findCmd)

	indexCreateCmd.Flags().Bool("text", false, "create a full-text index instead of a json index")
	indexCmd.AddCommand(indexCreateCmd)
	indexCmd.AddCommand(indexListCmd)
	indexCmd.AddCommand(indexDeleteCmd)
	rootCmd.AddCommand(indexCmd)

	rootCmd.AddCommand(replicateCmd)
	rootCmd.AddCommand(compactCmd)
}
