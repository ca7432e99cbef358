package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/gobwas/glob"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/aexvir/grab/release"
)

var (
	listTag    string
	listJSON   bool
	listFilter string
	listTags   bool
)

var listCmd = &cobra.Command{
	Use:   "list <owner/repo>",
	Short: "List the assets of a release",
	Long:  "Shows every file published with a release, or the release tags of the repository with --tags.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		provider, err := release.NewGitHub(args[0], release.WithToken(cfg.Token))
		if err != nil {
			return err
		}

		if listTags {
			tags, err := provider.Tags(ctx)
			if err != nil {
				return err
			}
			if listJSON {
				return json.NewEncoder(os.Stdout).Encode(tags)
			}
			for _, tag := range tags {
				fmt.Println(tag)
			}
			return nil
		}

		manifest, err := provider.ReleaseInfo(ctx, listTag)
		if err != nil {
			return err
		}

		entries, err := filterEntries(manifest.Entries, listFilter)
		if err != nil {
			return err
		}

		if listJSON {
			return json.NewEncoder(os.Stdout).Encode(listing{Tag: manifest.Tag, Assets: entries})
		}
		formatManifest(os.Stdout, manifest, entries)
		return nil
	},
}

func init() {
	listCmd.Flags().StringVarP(&listTag, "tag", "t", release.Latest, "release tag")
	listCmd.Flags().BoolVar(&listJSON, "json", false, "print json instead of a table")
	listCmd.Flags().StringVarP(&listFilter, "filter", "f", "", `only show assets matching a glob, e.g. "*linux*"`)
	listCmd.Flags().BoolVar(&listTags, "tags", false, "list release tags instead of assets")
	rootCmd.AddCommand(listCmd)
}

type listing struct {
	Tag    string          `json:"tag"`
	Assets []release.Entry `json:"assets"`
}

// filterEntries keeps the entries whose name matches pattern; an empty pattern keeps all.
func filterEntries(entries []release.Entry, pattern string) ([]release.Entry, error) {
	if pattern == "" {
		return entries, nil
	}

	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, eris.Wrapf(err, "invalid filter %q", pattern)
	}

	filtered := make([]release.Entry, 0, len(entries))
	for _, entry := range entries {
		if g.Match(entry.Name) {
			filtered = append(filtered, entry)
		}
	}
	return filtered, nil
}

// formatManifest writes the release header and a table of its assets to out.
func formatManifest(out io.Writer, manifest *release.Manifest, entries []release.Entry) {
	header := manifest.Tag
	if manifest.Name != "" && manifest.Name != manifest.Tag {
		header = fmt.Sprintf("%s (%s)", manifest.Tag, manifest.Name)
	}
	if manifest.Prerelease {
		header += " prerelease"
	}
	if !manifest.PublishedAt.IsZero() {
		header += ", published " + humanize.Time(manifest.PublishedAt)
	}
	logstep(out, header)

	if len(entries) == 0 {
		logdetail(out, "no assets")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tSIZE\tDIGEST")
	for _, entry := range entries {
		digest := entry.Digest
		if digest == "" {
			digest = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n",
			truncate(entry.Name, 60),
			humanize.IBytes(uint64(max(entry.Size, 0))),
			truncate(digest, 24),
		)
	}
	_ = w.Flush()
}
