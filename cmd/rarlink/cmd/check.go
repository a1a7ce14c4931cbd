package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/javi11/rarlink/internal/archive"
	"github.com/javi11/rarlink/internal/config"
	"github.com/javi11/rarlink/internal/importer/dispatch"
	"github.com/javi11/rarlink/internal/pathutil"
)

func init() {
	checkCmd := &cobra.Command{
		Use:   "check <archive>",
		Short: "Inspect an archive and show how it would be processed",
		Long:  `Discover the volumes of an archive, read its manifest and print the processing mode the dispatcher would pick.`,
		Args:  cobra.ExactArgs(1),
		RunE:  runCheck,
	}

	checkCmd.Flags().String("mode", "", "configured mode to evaluate (default: the mode of the containing watch directory, or vfs)")

	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	path, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fs := afero.NewOsFs()

	if !archive.IsFirstVolume(path) {
		fmt.Fprintf(out, "%s is not a first archive volume\n", path)
		return nil
	}

	set, err := archive.NewSet(fs, path)
	if err != nil {
		return fmt.Errorf("failed to read archive set: %w", err)
	}

	target := dispatch.Target{Mode: config.ModeVFS}
	watch := cfg.ActiveWatchDirs()
	bases := make([]string, len(watch))
	for i, w := range watch {
		bases[i] = w.Path
	}
	if i := pathutil.LongestPrefix(bases, path); i >= 0 {
		target = dispatch.Target{Mode: watch[i].Mode, TargetDir: watch[i].TargetDir, LibraryID: watch[i].LibraryID}
	}
	if mode, _ := cmd.Flags().GetString("mode"); mode != "" {
		target.Mode = config.ProcessingMode(mode)
	}

	layouts, err := archive.NewLayoutCache(fs, 1)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Archive:   %s\n", set.FirstVolume)
	fmt.Fprintf(out, "Format:    %s\n", set.Format())
	fmt.Fprintf(out, "Volumes:   %d (%d bytes on disk)\n", len(set.Volumes), set.TotalSize)

	dec, err := dispatch.NewDispatcher(dispatch.PolicyFromConfig(cfg.Dispatch), layouts).Decide(cmd.Context(), set, target)
	if err != nil {
		return fmt.Errorf("failed to inspect archive: %w", err)
	}

	fmt.Fprintf(out, "Content:   %d bytes\n", dec.ContentSize)
	if dec.Layout != nil {
		media := dec.Layout.MediaEntries(cfg.VFS.MediaExtensions)
		fmt.Fprintf(out, "Entries:   %d (%d media)\n", len(dec.Layout.Entries), len(media))
	}
	fmt.Fprintf(out, "Mode:      %s", dec.Mode)
	if dec.Forced {
		fmt.Fprintf(out, " (configured %s, forced: %s)", dec.Configured, dec.Reason)
	}
	fmt.Fprintln(out)

	return nil
}
