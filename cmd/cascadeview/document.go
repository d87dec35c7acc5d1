package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/msageha/cascadeview/internal/graph"
	"github.com/msageha/cascadeview/internal/model"
	cyaml "github.com/msageha/cascadeview/internal/yaml"
)

var (
	fmtWrite    bool
	fmtCheck    bool
	graphAsJSON bool
)

var fmtCmd = &cobra.Command{
	Use:   "fmt [file]",
	Short: "Print a cascade in normalized form",
	Long: `Parses the cascade and prints it with canonical key names and empty fields
removed. Phase and key order is kept as authored.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv()
		if err != nil {
			return err
		}
		return formatFile(cmd.OutOrStdout(), e.cascadePath(args), fmtWrite, fmtCheck)
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Check a cascade for parse errors, bad references and cycles",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv()
		if err != nil {
			return err
		}
		return validateFile(cmd.OutOrStdout(), e.cascadePath(args))
	},
}

var graphCmd = &cobra.Command{
	Use:   "graph [file]",
	Short: "Show the phase dependency graph",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv()
		if err != nil {
			return err
		}
		doc, err := cyaml.LoadFile(e.cascadePath(args))
		if err != nil {
			return err
		}
		g := graph.Derive(doc.Phases)
		if graphAsJSON {
			return writeGraphJSON(cmd.OutOrStdout(), g)
		}
		writeGraph(cmd.OutOrStdout(), g)
		return nil
	},
}

func init() {
	fmtCmd.Flags().BoolVarP(&fmtWrite, "write", "w", false, "Write the result back to the file")
	fmtCmd.Flags().BoolVar(&fmtCheck, "check", false, "Exit 1 when the file is not normalized")
	graphCmd.Flags().BoolVar(&graphAsJSON, "json", false, "Print the graph as JSON")
	rootCmd.AddCommand(fmtCmd, validateCmd, graphCmd)
}

func formatFile(out io.Writer, path string, write, check bool) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read cascade: %w", err)
	}
	doc, err := cyaml.Parse(content)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	formatted, err := cyaml.Serialize(doc)
	if err != nil {
		return err
	}
	changed := !bytes.Equal(content, formatted)
	switch {
	case check:
		if changed {
			fmt.Fprintln(out, path)
			return &exitError{code: 1}
		}
		return nil
	case write:
		if !changed {
			return nil
		}
		return cyaml.AtomicWriteRaw(path, formatted)
	default:
		_, err := out.Write(formatted)
		return err
	}
}

func validateFile(out io.Writer, path string) error {
	doc, err := cyaml.LoadFile(path)
	if err != nil {
		var pe *cyaml.ParseError
		if errors.As(err, &pe) {
			fmt.Fprintf(out, "%s: %v\n", path, pe)
			return &exitError{code: 1}
		}
		return err
	}
	if err := graph.ValidateDocument(doc); err != nil {
		var ve *model.ValidationErrors
		if errors.As(err, &ve) {
			fmt.Fprintf(out, "%s: %d problem(s)\n%s", path, len(ve.Errors), ve.FormatStderr())
			return &exitError{code: 1}
		}
		return err
	}
	fmt.Fprintf(out, "%s: ok (%d phases)\n", path, len(doc.Phases))
	return nil
}

func writeGraph(out io.Writer, g *graph.Graph) {
	layers, unplaced := g.Layers()
	for i, layer := range layers {
		names := make([]string, len(layer))
		for j, n := range layer {
			names[j] = g.Names[n]
		}
		fmt.Fprintf(out, "layer %d: %s\n", i, strings.Join(names, ", "))
	}
	if len(unplaced) > 0 {
		fmt.Fprintf(out, "cycle: %s\n", strings.Join(g.CyclePath(unplaced), " -> "))
	}
	for _, edge := range g.Edges {
		fmt.Fprintf(out, "%s -> %s (%s)\n", g.Names[edge.From], g.Names[edge.To], edge.Kind)
	}
}

type graphJSON struct {
	Layers [][]string `json:"layers"`
	Cycle  []string   `json:"cycle,omitempty"`
	Edges  []edgeJSON `json:"edges"`
}

type edgeJSON struct {
	From string `json:"from"`
	To   string `json:"to"`
	Kind string `json:"kind"`
}

func writeGraphJSON(out io.Writer, g *graph.Graph) error {
	layers, unplaced := g.Layers()
	v := graphJSON{Layers: [][]string{}, Edges: []edgeJSON{}}
	for _, layer := range layers {
		names := make([]string, len(layer))
		for j, n := range layer {
			names[j] = g.Names[n]
		}
		v.Layers = append(v.Layers, names)
	}
	if len(unplaced) > 0 {
		v.Cycle = g.CyclePath(unplaced)
	}
	for _, edge := range g.Edges {
		v.Edges = append(v.Edges, edgeJSON{From: g.Names[edge.From], To: g.Names[edge.To], Kind: edge.Kind.String()})
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
