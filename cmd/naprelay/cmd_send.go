package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"naprelay/pkg/config"
	"naprelay/pkg/gateway"
	"naprelay/pkg/logger"
	"naprelay/pkg/wire"
)

type segmentArg struct {
	kind  string
	value string
}

// parseSegmentArgs walks the argument list in order so interleaved
// -t/-i/-f/-v/-r flags produce segments in CLI order.
func parseSegmentArgs(args []string) ([]segmentArg, []string, error) {
	flagKinds := map[string]string{
		"-t": "text", "--text": "text",
		"-i": "image", "--image": "image",
		"-f": "file", "--file": "file",
		"-v": "video", "--video": "video",
		"-r": "reply", "--reply": "reply",
	}

	var segments []segmentArg
	var rest []string
	for i := 0; i < len(args); i++ {
		kind, ok := flagKinds[args[i]]
		if !ok {
			rest = append(rest, args[i])
			continue
		}
		if i+1 >= len(args) {
			return nil, nil, fmt.Errorf("flag %s needs a value", args[i])
		}
		i++
		segments = append(segments, segmentArg{kind: kind, value: args[i]})
	}
	return segments, rest, nil
}

func buildSegments(args []segmentArg) ([]wire.Segment, error) {
	var segments []wire.Segment
	for _, arg := range args {
		switch arg.kind {
		case "text":
			segments = append(segments, wire.Text(arg.value))
		case "reply":
			segments = append(segments, wire.ReplySegment(arg.value))
		case "image":
			segment, err := wire.Image(arg.value)
			if err != nil {
				return nil, err
			}
			segments = append(segments, segment)
		case "video":
			segment, err := wire.Video(arg.value)
			if err != nil {
				return nil, err
			}
			segments = append(segments, segment)
		case "file":
			segment, err := wire.File(arg.value, filepath.Base(arg.value))
			if err != nil {
				return nil, err
			}
			segments = append(segments, segment)
		}
	}
	return segments, nil
}

func newClient(cfg *config.Config) gateway.Client {
	timeout := time.Duration(cfg.Gateway.TimeoutSec * float64(time.Second))
	return gateway.NewDialClient(cfg.Gateway.URL, cfg.Gateway.Token, timeout)
}

func printReply(reply *wire.Reply) {
	data, err := json.MarshalIndent(reply, "", "  ")
	if err != nil {
		return
	}
	os.Stdout.Write(data)
	os.Stdout.Write([]byte("\n"))
}

func sendCmd(cfg *config.Config, args []string) int {
	segmentArgs, rest, err := parseSegmentArgs(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if len(rest) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: naprelay send <user_id> [segments]")
		return 2
	}
	if len(segmentArgs) == 0 {
		fmt.Fprintln(os.Stderr, "No message content supplied; add --text/--image/--file/--video/--reply")
		return 2
	}
	if !requireGatewayURL(cfg) {
		return 2
	}

	segments, err := buildSegments(segmentArgs)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	reply, err := newClient(cfg).SendPrivate(context.Background(), rest[0], segments)
	if err != nil {
		logger.ErrorCF("cli", "Failed to send message", map[string]interface{}{
			logger.FieldError: err.Error(),
		})
		fmt.Fprintf(os.Stderr, "Failed to send message: %v\n", err)
		return 1
	}

	printReply(reply)
	return 0
}

func sendGroupCmd(cfg *config.Config, args []string) int {
	segmentArgs, rest, err := parseSegmentArgs(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	forward := false
	var positional []string
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case "--forward":
			forward = true
		case "--type":
			if i+1 < len(rest) {
				i++
				forward = forward || rest[i] == "forward"
			}
		default:
			positional = append(positional, rest[i])
		}
	}

	if len(positional) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: naprelay send-group <group_id> [segments] [--forward]")
		return 2
	}
	if len(segmentArgs) == 0 {
		fmt.Fprintln(os.Stderr, "No message content supplied; add --text/--image/--file/--video/--reply")
		return 2
	}
	if !requireGatewayURL(cfg) {
		return 2
	}

	segments, err := buildSegments(segmentArgs)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	groupID := positional[0]
	client := newClient(cfg)

	var reply *wire.Reply
	if forward {
		nodes := make([]wire.Segment, 0, len(segments))
		for _, segment := range segments {
			nodes = append(nodes, wire.ForwardNode(cfg.Forward.UserID, cfg.Forward.Nickname, []wire.Segment{segment}))
		}
		reply, err = client.SendGroupForward(context.Background(), groupID, nodes)
	} else {
		reply, err = client.SendGroup(context.Background(), groupID, segments)
	}
	if err != nil {
		logger.ErrorCF("cli", "Failed to send message", map[string]interface{}{
			logger.FieldError:   err.Error(),
			logger.FieldGroupID: groupID,
		})
		fmt.Fprintf(os.Stderr, "Failed to send message: %v\n", err)
		return 1
	}

	printReply(reply)
	return 0
}
