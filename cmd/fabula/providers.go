package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

type providerInfo struct {
	Name       string `json:"name"`
	Model      string `json:"model,omitempty"`
	BaseURL    string `json:"base_url,omitempty"`
	Configured bool   `json:"configured"`
}

func newProvidersCmd(global *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "List the registered vendors and whether each has credentials",
		Args:  cobra.NoArgs,
		RunE: withApp(global, func(cmd *cobra.Command, _ []string, a *app) error {
			return listProviders(cmd.OutOrStdout(), a, global.JSON)
		}),
	}
}

func listProviders(w io.Writer, a *app, asJSON bool) error {
	var infos []providerInfo
	for _, name := range a.registry.Names() {
		pc := a.cfg.Provider(name)
		infos = append(infos, providerInfo{
			Name:       name,
			Model:      pc.Model,
			BaseURL:    pc.BaseURL,
			Configured: pc.APIKey != "" || name == "ollama",
		})
	}
	if asJSON {
		return json.NewEncoder(w).Encode(infos)
	}
	for _, info := range infos {
		mark := color.YellowString("no key")
		if info.Configured {
			mark = color.GreenString("ready")
		}
		model := info.Model
		if model == "" {
			model = "(adapter default)"
		}
		fmt.Fprintf(w, "%-10s %-8s %s\n", info.Name, mark, model)
	}
	return nil
}
