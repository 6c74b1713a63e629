package main

import (
	"github.com/spf13/cobra"

	"sniff/internal/api"
	"sniff/internal/channel"
	"sniff/internal/models"
)

const (
	flagChannel     = "channel"
	flagAll         = "all"
	flagVersionCode = "version-code"
)

// resolvedDetails is the output of a single-channel details lookup.
type resolvedDetails struct {
	Channel string                 `json:"channel"`
	Details models.DetailsDocument `json:"details"`
}

func newDetailsCommand(opts *rootOptions) *cobra.Command {
	var (
		requested string
		all       bool
	)
	cmd := &cobra.Command{
		Use:   "details <package>",
		Short: "Print a package's details, from one channel with fallback or from every channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			packageName := args[0]
			var ch channel.Channel
			if requested != "" {
				parsed, err := channel.Parse(requested)
				if err != nil {
					return err
				}
				ch = parsed
			}
			engine, err := opts.engine(cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			if requested == "" || all {
				docs, err := engine.MultiChannelQuery(cmd.Context(), packageName)
				if err != nil {
					return err
				}
				if len(docs) == 0 {
					return notFound(packageName)
				}
				out := make(map[string]models.DetailsDocument, len(docs))
				for resolved, doc := range docs {
					out[resolved.String()] = doc
				}
				return printJSON(cmd.OutOrStdout(), out)
			}

			result, found, err := engine.FallbackQuery(cmd.Context(), packageName, ch)
			if err != nil {
				return err
			}
			if !found {
				return notFound(packageName)
			}
			return printJSON(cmd.OutOrStdout(), resolvedDetails{Channel: result.Channel.String(), Details: result.Details})
		},
	}
	cmd.Flags().StringVarP(&requested, flagChannel, "c", "", "preferred channel (stable, beta or alpha); falls back to the others")
	cmd.Flags().BoolVar(&all, flagAll, false, "query every channel (default when --channel is not set)")
	cmd.MarkFlagsMutuallyExclusive(flagChannel, flagAll)
	return cmd
}

func newDownloadCommand(opts *rootOptions) *cobra.Command {
	var (
		requested   string
		versionCode int32
	)
	cmd := &cobra.Command{
		Use:   "download <package>",
		Short: "Print the download bundle of a package on exactly one channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			packageName := args[0]
			ch, err := channel.Parse(requested)
			if err != nil {
				return err
			}
			if versionCode < 0 {
				return errInvalidVersionCode(versionCode)
			}
			engine, err := opts.engine(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			download, found, err := engine.DownloadQuery(cmd.Context(), packageName, ch, versionCode)
			if err != nil {
				return err
			}
			if !found {
				return notFound(packageName)
			}
			return printJSON(cmd.OutOrStdout(), api.NewDownloadInfo(opts.brand(), download))
		},
	}
	cmd.Flags().StringVarP(&requested, flagChannel, "c", "", "channel to download from (stable, beta or alpha)")
	cmd.Flags().Int32Var(&versionCode, flagVersionCode, 0, "version code to download (0 for the latest)")
	_ = cmd.MarkFlagRequired(flagChannel)
	return cmd
}

// channelInfo describes one release channel.
type channelInfo struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Priority    int    `json:"priority"`
}

func newChannelsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "channels",
		Short: "List the release channels in fallback priority order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			channels := channel.All()
			out := make([]channelInfo, 0, len(channels))
			for i, ch := range channels {
				out = append(out, channelInfo{Name: ch.String(), DisplayName: ch.DisplayName(), Priority: i})
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}
