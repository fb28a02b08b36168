package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/mangavox/internal/app"
	"github.com/MrWong99/mangavox/internal/narration"
	"github.com/MrWong99/mangavox/pkg/voice"
)

// Page is a prefetch input file: the dialogue of one manga page.
type Page struct {
	Title string           `yaml:"title"`
	Lines []narration.Line `yaml:"lines"`
}

// hints are the optional resolution hints shared by resolve and speak.
type hints struct {
	fallbackType string
	archetype    string
	title        string
}

func (h *hints) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&h.fallbackType, "type", "", `character type hint, e.g. "hero" or "narrator"`)
	cmd.Flags().StringVar(&h.archetype, "archetype", "", `personality archetype hint, e.g. "villain"`)
	cmd.Flags().StringVar(&h.title, "title", "", "manga title the characters belong to")
}

func (c *cli) resolveCmd() *cobra.Command {
	var h hints
	cmd := &cobra.Command{
		Use:   "resolve CHARACTER...",
		Short: "Print the voice assigned to each character",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				r := a.Resolver()
				r.SwitchTitle(h.title)
				tw := tabwriter.NewWriter(c.stdout, 0, 4, 2, ' ', 0)
				for _, name := range args {
					fmt.Fprintf(tw, "%s\t%s\n", name, r.Resolve(ctx, name, h.fallbackType, h.archetype))
				}
				fmt.Fprintf(tw, "\nsession %s\n", r.SessionID())
				locks := r.Locked()
				for _, key := range slices.Sorted(maps.Keys(locks)) {
					fmt.Fprintf(tw, "  %s\t%s\n", key, locks[key])
				}
				return tw.Flush()
			})
		},
	}
	h.register(cmd)
	return cmd
}

func (c *cli) speakCmd() *cobra.Command {
	var (
		h         hints
		character string
		output    string
	)
	cmd := &cobra.Command{
		Use:   "speak TEXT...",
		Short: "Synthesize one line of dialogue, reusing cached audio",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			line := narration.Line{
				Character: character,
				Type:      h.fallbackType,
				Archetype: h.archetype,
				Text:      strings.Join(args, " "),
			}
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				a.Resolver().SwitchTitle(h.title)
				audio, err := a.Narrator().Speak(ctx, line)
				if err != nil {
					return err
				}
				if output == "" || output == "-" {
					_, err = c.stdout.Write(audio)
					return err
				}
				if err := os.WriteFile(output, audio, 0o644); err != nil {
					return fmt.Errorf("write %q: %w", output, err)
				}
				c.log.Info("audio written", "path", output, "size", humanize.Bytes(uint64(len(audio))))
				return nil
			})
		},
	}
	h.register(cmd)
	cmd.Flags().StringVarP(&character, "character", "C", "", "speaking character (empty for narration)")
	cmd.Flags().StringVarP(&output, "output", "o", "-", `audio output file ("-" for stdout)`)
	return cmd
}

func (c *cli) prefetchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prefetch PAGE.yaml",
		Short: "Warm the audio cache for every line of a page",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			page, err := readPage(args[0])
			if err != nil {
				return err
			}
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				a.Resolver().SwitchTitle(page.Title)
				res, err := a.Narrator().Prefetch(ctx, page.Lines)
				fmt.Fprintf(c.stdout, "%d cached, %d synthesized, %d failed\n", res.Cached, res.Synthesized, res.Failed)
				return err
			})
		},
	}
}

func readPage(path string) (*Page, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open page: %w", err)
		}
		defer f.Close()
		r = f
	}
	var page Page
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&page); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode page %q: %w", path, err)
	}
	return &page, nil
}

func (c *cli) syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync TITLE",
		Short: "Merge the remote voice assignments of a manga title into voice memory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !c.cfg.Remote.Enabled() {
				return errors.New("remote sync needs remote.postgres_dsn and remote.user_id")
			}
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.CheckRemote(ctx); err != nil {
					return err
				}
				n, err := a.Memory().SyncVoices(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(c.stdout, "%d voice assignments updated for %q\n", n, args[0])
				return nil
			})
		},
	}
}

func (c *cli) cacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clear the audio cache",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "clear",
			Short: "Remove every cached audio clip",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return c.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
					if err := a.Cache().Clear(ctx); err != nil {
						return err
					}
					fmt.Fprintln(c.stdout, "audio cache cleared")
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "stats",
			Short: "Show the number and size of cached clips",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return c.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
					st, err := a.Cache().Stats(ctx)
					if err != nil {
						return err
					}
					size := "unknown"
					if st.StoredBytes > 0 {
						size = humanize.Bytes(uint64(st.StoredBytes))
					}
					fmt.Fprintf(c.stdout, "entries: %s\nstored:  %s\n", humanize.Comma(int64(st.Entries)), size)
					return nil
				})
			},
		},
	)
	return cmd
}

func (c *cli) voicesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "voices",
		Short: "Browse voices and find remembered characters",
	}

	var limit int
	similar := &cobra.Command{
		Use:   "similar NAME",
		Short: "List remembered characters whose names resemble NAME",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(_ context.Context, a *app.App) error {
				matches := a.Memory().FindSimilar(args[0], limit)
				if len(matches) == 0 {
					fmt.Fprintln(c.stdout, "no similar characters remembered")
					return nil
				}
				tw := tabwriter.NewWriter(c.stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "CHARACTER\tVOICE\tTITLE\tSCORE")
				for _, m := range matches {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%.0f%%\n", m.Profile.CharacterName, m.Profile.VoiceID, m.Profile.MangaTitle, m.Score*100)
				}
				return tw.Flush()
			})
		},
	}
	similar.Flags().IntVarP(&limit, "limit", "n", 5, "maximum number of matches (0 for all)")

	var personality string
	suggest := &cobra.Command{
		Use:   "suggest",
		Short: "Suggest recently used voices for a personality",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, ok := voice.ParsePersonality(personality)
			if !ok {
				return fmt.Errorf("unknown personality %q", personality)
			}
			return c.withApp(cmd.Context(), func(_ context.Context, a *app.App) error {
				for _, id := range a.Memory().SuggestByPersonality(p) {
					fmt.Fprintln(c.stdout, id)
				}
				return nil
			})
		},
	}
	suggest.Flags().StringVarP(&personality, "personality", "p", string(voice.PersonalityHero), "hero, villain, comic, wise, young or other")

	catalog := &cobra.Command{
		Use:   "catalog",
		Short: "List the voices offered by the TTS provider",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				lister, ok := a.VoiceLister()
				if !ok {
					return errors.New("the configured tts provider has no voice catalog")
				}
				voices, err := lister.ListVoices(ctx)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(c.stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tNAME\tPROVIDER")
				for _, v := range voices {
					fmt.Fprintf(tw, "%s\t%s\t%s\n", v.ID, v.Name, v.Provider)
				}
				return tw.Flush()
			})
		},
	}

	cmd.AddCommand(similar, suggest, catalog)
	return cmd
}

func (c *cli) memoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Inspect and edit remembered voice assignments",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List every remembered assignment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd.Context(), func(_ context.Context, a *app.App) error {
				tw := tabwriter.NewWriter(c.stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "CHARACTER\tVOICE\tPERSONALITY\tTITLE\tUPDATED")
				for _, p := range a.Memory().Profiles() {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", p.CharacterName, p.VoiceID, p.Personality, p.MangaTitle, humanize.Time(p.Timestamp))
				}
				return tw.Flush()
			})
		},
	}

	var (
		personality string
		title       string
	)
	set := &cobra.Command{
		Use:   "set CHARACTER VOICE",
		Short: "Assign a voice to a character permanently",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, _ := voice.ParsePersonality(personality)
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Memory().SaveVoice(ctx, args[0], args[1], p, title); err != nil {
					return err
				}
				fmt.Fprintf(c.stdout, "%s now speaks with %s\n", voice.Normalize(args[0]), args[1])
				return nil
			})
		},
	}
	set.Flags().StringVarP(&personality, "personality", "p", string(voice.PersonalityOther), "hero, villain, comic, wise, young or other")
	set.Flags().StringVar(&title, "title", "", "manga title; also upserts remotely when remote sync is configured")

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Forget every remembered assignment on this device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Memory().Clear(ctx); err != nil {
					return err
				}
				fmt.Fprintln(c.stdout, "voice memory cleared")
				return nil
			})
		},
	}

	cmd.AddCommand(list, set, clearCmd)
	return cmd
}
