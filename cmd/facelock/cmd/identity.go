package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/facelock/facelock/internal/adapter/outbound/imagefs"
	"github.com/facelock/facelock/internal/adapter/outbound/sqlite"
	"github.com/facelock/facelock/internal/config"
	"github.com/facelock/facelock/internal/domain/identity"
	"github.com/facelock/facelock/internal/domain/password"
)

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Manage enrolled identities",
	Long: `Enroll, list, check and remove identities.

An identity is a label, a 5-digit keypad password (stored as an argon2id hash)
and 1 to 3 reference face images stored under store.images_dir/<label>/.`,
}

var (
	identityImages        []string
	identityPassword      string
	identityPasswordStdin bool
)

var identityAddCmd = &cobra.Command{
	Use:   "add <label>",
	Short: "Enroll an identity",
	Example: `  facelock identity add alice --image alice1.png --image alice2.png --password-stdin
  echo 12345 | facelock identity add bob --image bob.png --password-stdin`,
	Args: cobra.ExactArgs(1),
	RunE: runIdentityAdd,
}

var identityListCmd = &cobra.Command{
	Use:   "list",
	Short: "List enrolled identities",
	Args:  cobra.NoArgs,
	RunE:  runIdentityList,
}

var identityCheckCmd = &cobra.Command{
	Use:   "check <label>",
	Short: "Report whether a label is enrolled",
	Args:  cobra.ExactArgs(1),
	RunE:  runIdentityCheck,
}

var identityRemoveCmd = &cobra.Command{
	Use:   "remove <label>",
	Short: "Remove an identity and its reference images",
	Args:  cobra.ExactArgs(1),
	RunE:  runIdentityRemove,
}

func init() {
	identityAddCmd.Flags().StringArrayVar(&identityImages, "image", nil, "reference image file (repeat up to 3 times)")
	identityAddCmd.Flags().StringVar(&identityPassword, "password", "", "5-digit password (visible in shell history; prefer --password-stdin)")
	identityAddCmd.Flags().BoolVar(&identityPasswordStdin, "password-stdin", false, "read the password from the first line of stdin")
	identityAddCmd.MarkFlagsMutuallyExclusive("password", "password-stdin")

	identityCmd.AddCommand(identityAddCmd, identityListCmd, identityCheckCmd, identityRemoveCmd)
	rootCmd.AddCommand(identityCmd)
}

// openIdentityStores opens the database and image directory from config.
// Identity commands only need the store section, so the rest is not validated.
func openIdentityStores(ctx context.Context, logger *slog.Logger) (*sqlite.Store, *imagefs.Store, error) {
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	store, err := sqlite.Open(ctx, cfg.Store.Path, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open store: %w", err)
	}
	return store, imagefs.New(cfg.Store.ImagesDir, logger), nil
}

// cliLogger only reports warnings so command output stays readable.
func cliLogger(cmd *cobra.Command) *slog.Logger {
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func runIdentityAdd(cmd *cobra.Command, args []string) error {
	label := args[0]
	if err := identity.ValidateLabel(label); err != nil {
		return fmt.Errorf("%w: %q", err, label)
	}

	pw := identityPassword
	if identityPasswordStdin {
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("read password: %w", err)
		}
		pw = strings.TrimSpace(line)
	}
	if err := password.Validate(pw); err != nil {
		return err
	}

	if len(identityImages) == 0 || len(identityImages) > identity.MaxReferenceImages {
		return fmt.Errorf("need 1 to %d --image files, got %d", identity.MaxReferenceImages, len(identityImages))
	}
	data := make([][]byte, 0, len(identityImages))
	for _, path := range identityImages {
		b, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read image: %w", err)
		}
		data = append(data, b)
	}

	ctx := cmd.Context()
	store, images, err := openIdentityStores(ctx, cliLogger(cmd))
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	// Never overwrite the images of an existing identity.
	exists, err := store.IdentityExists(ctx, label)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %s", identity.ErrExists, label)
	}

	refs, err := images.SaveImages(label, data)
	if err != nil {
		return err
	}
	if err := store.CreateIdentity(ctx, label, pw, refs); err != nil {
		_ = images.RemoveImages(label)
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Enrolled %s with %d reference image(s).\n", label, len(refs))
	return nil
}

func runIdentityList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	store, _, err := openIdentityStores(ctx, cliLogger(cmd))
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	ids, err := store.ListIdentities(ctx)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No identities enrolled.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "LABEL\tIMAGES\tENROLLED")
	for _, id := range ids {
		fmt.Fprintf(w, "%s\t%d\t%s\n", id.Label, len(id.ReferenceImages), id.CreatedAt.Local().Format(time.DateTime))
	}
	return w.Flush()
}

func runIdentityCheck(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	store, _, err := openIdentityStores(ctx, cliLogger(cmd))
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	exists, err := store.IdentityExists(ctx, args[0])
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", identity.ErrNotFound, args[0])
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s is enrolled.\n", args[0])
	return nil
}

func runIdentityRemove(cmd *cobra.Command, args []string) error {
	label := args[0]
	ctx := cmd.Context()
	store, images, err := openIdentityStores(ctx, cliLogger(cmd))
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	if err := store.DeleteIdentity(ctx, label); err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return fmt.Errorf("%w: %s", err, label)
		}
		return err
	}
	if err := images.RemoveImages(label); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %s.\n", label)
	return nil
}
