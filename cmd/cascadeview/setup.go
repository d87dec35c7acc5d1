package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/msageha/cascadeview/internal/setup"
	cyaml "github.com/msageha/cascadeview/internal/yaml"
)

var (
	initBackend   string
	initCascadeID string
)

var initCmd = &cobra.Command{
	Use:   "init [dir]",
	Short: "Create .cascadeview/ and a starter cascade",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := "."
		if len(args) > 0 {
			dir = args[0]
		}
		if err := setup.Run(dir, setup.Options{BackendURL: initBackend, CascadeID: initCascadeID}); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "initialized %s\n", filepath.Join(dir, setup.ProjectDir))
		return nil
	},
}

var recoverCmd = &cobra.Command{
	Use:   "recover [file]",
	Short: "Quarantine an unparseable cascade and restore its backup",
	Long: `If the cascade file does not parse, it is moved to .cascadeview/quarantine/
and replaced by its .bak copy, or by the starter cascade when no usable
backup exists. A file that parses is left alone.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv()
		if err != nil {
			return err
		}
		path := e.cascadePath(args)
		action, err := cyaml.RecoverFile(filepath.Join(e.root, setup.ProjectDir, "quarantine"), path)
		if err != nil {
			return err
		}
		switch action {
		case "":
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok, nothing to recover\n", path)
		case cyaml.RecoveredFromBackup:
			fmt.Fprintf(cmd.OutOrStdout(), "%s: restored from backup\n", path)
		case cyaml.RecoveredWithTemplate:
			fmt.Fprintf(cmd.OutOrStdout(), "%s: no usable backup, wrote starter cascade\n", path)
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "cascadeview %s\n", version)
	},
}

func init() {
	initCmd.Flags().StringVar(&initBackend, "backend-url", "", "Backend base URL to write into config.yaml")
	initCmd.Flags().StringVar(&initCascadeID, "id", "", "Cascade id for the starter cascade (default: directory name)")
	rootCmd.AddCommand(initCmd, recoverCmd, versionCmd)
}
