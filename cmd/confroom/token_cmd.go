package main

import (
	"fmt"
	"os"
	"strings"

	"confroom/internal/core/domain"
	"confroom/internal/core/services"

	"github.com/spf13/cobra"
)

// newTokenCmd issues join tokens for local testing against a signaling
// server that shares the signing key.
func newTokenCmd() *cobra.Command {
	var (
		settings domain.RoomSettings
		role     string
		media    string
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed join token",
		RunE: func(cmd *cobra.Command, args []string) error {
			key := os.Getenv("CONFROOM_TOKEN_KEY")
			if key == "" {
				return fmt.Errorf("CONFROOM_TOKEN_KEY must be set")
			}
			settings.Role = domain.Role(role)
			kinds, err := parseKinds(media)
			if err != nil {
				return err
			}
			settings.Media = domain.Entitlements{
				Audio:  kinds.Has(domain.KindAudio),
				Video:  kinds.Has(domain.KindVideo),
				Screen: kinds.Has(domain.KindScreen),
				Data:   kinds.Has(domain.KindData),
			}

			raw, err := services.IssueJoinToken(settings, []byte(key))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), raw)
			return nil
		},
	}

	cmd.Flags().StringVar((*string)(&settings.RoomID), "room", "", "room id")
	cmd.Flags().StringVar(&settings.UserName, "name", "", "display name")
	cmd.Flags().StringVar(&role, "role", string(domain.RoleParticipant), "participant or moderator")
	cmd.Flags().StringVar(&media, "media", "audio,video,data", "comma separated media entitlements")
	cmd.Flags().IntVar(&settings.MaxVideoBW, "max-video-bw", 1500, "maximum video bandwidth in kbps")
	cmd.Flags().BoolVar(&settings.WaitingRoom, "waiting-room", false, "join through the waiting room")
	cmd.MarkFlagRequired("room")
	return cmd
}

func parseKinds(list string) (domain.StreamKind, error) {
	var kinds domain.StreamKind
	for _, name := range strings.Split(list, ",") {
		switch strings.TrimSpace(strings.ToLower(name)) {
		case "":
		case "audio":
			kinds |= domain.KindAudio
		case "video":
			kinds |= domain.KindVideo
		case "screen":
			kinds |= domain.KindScreen
		case "data":
			kinds |= domain.KindData
		default:
			return 0, fmt.Errorf("unknown media kind %q", name)
		}
	}
	return kinds, nil
}
