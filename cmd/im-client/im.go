package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/lzyats/yuim/pkg/client"
	"github.com/lzyats/yuim/pkg/client/realtime"
	"github.com/lzyats/yuim/pkg/protocol"
)

var listenFlags struct {
	peers    []int64
	presence bool
}

func init() {
	listenCmd.Flags().Int64SliceVar(&listenFlags.peers, "peer", nil, "join the conversation with this user (repeatable)")
	listenCmd.Flags().BoolVar(&listenFlags.presence, "presence", true, "print presence changes")
	rootCmd.AddCommand(listenCmd, sendCmd)
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Print realtime frames until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close()
		if !s.LoggedIn() {
			return errors.New("not logged in")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		out := cmd.OutOrStdout()
		rt := s.Realtime()
		rt.Subscribe(realtime.AnyType, func(f protocol.Frame) {
			if f.Type == protocol.Pong {
				return
			}
			b, _ := json.Marshal(f)
			fmt.Fprintln(out, string(b))
		})

		if err := s.Connect(ctx); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		if err := rt.SubscribeNotifications(ctx); err != nil {
			return err
		}
		for _, peer := range listenFlags.peers {
			if err := rt.JoinConversation(ctx, peer); err != nil {
				return err
			}
		}
		if listenFlags.presence {
			if err := rt.WatchPresence(ctx); err != nil {
				return err
			}
		}

		<-ctx.Done()
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <peer-id> <text>",
	Short: "Send a direct message; queued if the server is unreachable",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		peer, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || peer <= 0 {
			return fmt.Errorf("invalid peer id %q", args[0])
		}
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		var res struct {
			Message   protocol.Message `json:"message"`
			Duplicate bool             `json:"duplicate"`
		}
		err = s.JSON(cmd.Context(), http.MethodPost, "/v1/messages", map[string]any{
			"receiver_id":   peer,
			"content":       args[1],
			"client_msg_id": uuid.NewString(),
		}, &res)
		var qe *client.QueuedError
		switch {
		case errors.As(err, &qe):
			fmt.Fprintf(cmd.OutOrStdout(), "Offline, queued as %s\n", qe.ActionID)
			return nil
		case err != nil:
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Sent #%d (seq %d)\n", res.Message.MsgID, res.Message.Seq)
		return nil
	},
}
