package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MeKo-Tech/tilehub/internal/index"
	"github.com/MeKo-Tech/tilehub/internal/storage"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Inspect persisted server state",
}

var inspectIndexCmd = &cobra.Command{
	Use:   "index <project>",
	Short: "Print a project's cache index, augmented with disk state",
	Args:  cobra.ExactArgs(1),
	RunE:  runInspectIndex,
}

func init() {
	rootCmd.AddCommand(inspectCmd)
	inspectCmd.AddCommand(inspectIndexCmd)
}

func runInspectIndex(cmd *cobra.Command, args []string) error {
	if logger == nil {
		initLogging()
	}
	return writeIndexJSON(os.Stdout, viper.GetString("cache-dir"), args[0])
}

// writeIndexJSON loads the augmented index for a project and pretty-prints
// it to w.
func writeIndexJSON(w io.Writer, cacheDir, project string) error {
	layout := storage.Layout{CacheRoot: cacheDir}
	svc := index.NewService(layout, logger)

	idx, err := svc.Read(project)
	if err != nil {
		return err
	}
	svc.Augment(project, idx)

	raw, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(raw))
	return err
}
