package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/brendaschussler/scaniot-capture/internal/store"
	"github.com/brendaschussler/scaniot-capture/internal/version"
)

var serverURL string

func main() {
	root := &cobra.Command{
		Use:     "scaniotctl",
		Short:   "Control client for the scaniot capture daemon",
		Version: version.Version,
	}
	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8088", "base URL of the capture daemon")

	root.AddCommand(startCmd(), listCmd(), getCmd(), stopCmd(), deleteCmd(), watchCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func startCmd() *cobra.Command {
	var (
		packets  int
		duration time.Duration
		name     string
		devices  []string
	)
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a capture session for one or more devices",
		Example: `  scaniotctl start --packets 1000 --name office --device aa:bb:cc:dd:ee:ff
  scaniotctl start --duration 5m --name office --device aa:bb:cc:dd:ee:ff --device 11:22:33:44:55:66`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if (packets > 0) == (duration > 0) {
				return fmt.Errorf("set exactly one of --packets or --duration")
			}
			if len(devices) == 0 {
				return fmt.Errorf("at least one --device is required")
			}

			body := map[string]any{
				"output_name": name,
			}
			if packets > 0 {
				body["mode"] = string(store.ModePacketCount)
				body["packet_count"] = packets
			} else {
				body["mode"] = string(store.ModeTimeLimit)
				body["duration_seconds"] = int(duration.Seconds())
			}
			specs := make([]map[string]string, 0, len(devices))
			for _, mac := range devices {
				specs = append(specs, map[string]string{"mac": mac})
			}
			body["devices"] = specs

			var sess store.CaptureSession
			if err := call(http.MethodPost, "/api/v1/captures", body, &sess); err != nil {
				return err
			}
			fmt.Printf("Started session %s\n", sess.SessionID)
			printSessions([]store.CaptureSession{sess})
			return nil
		},
	}
	cmd.Flags().IntVar(&packets, "packets", 0, "stop after this many packets per device")
	cmd.Flags().DurationVar(&duration, "duration", 0, "stop after this wall-clock duration")
	cmd.Flags().StringVar(&name, "name", "capture", "logical capture name used in artifact filenames")
	cmd.Flags().StringArrayVar(&devices, "device", nil, "target device MAC (repeatable)")
	return cmd
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List capture sessions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Sessions []store.CaptureSession `json:"sessions"`
			}
			if err := call(http.MethodGet, "/api/v1/captures", nil, &out); err != nil {
				return err
			}
			printSessions(out.Sessions)
			return nil
		},
	}
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <session-id>",
		Short: "Show one capture session with its devices",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var sess store.CaptureSession
			if err := call(http.MethodGet, "/api/v1/captures/"+args[0], nil, &sess); err != nil {
				return err
			}
			printSessions([]store.CaptureSession{sess})
			return nil
		},
	}
}

func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <session-id> [mac]",
		Short: "Stop a whole session, or one device's capture",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/v1/captures/" + args[0] + "/stop"
			if len(args) == 2 {
				path = "/api/v1/captures/" + args[0] + "/devices/" + args[1] + "/stop"
			}
			if err := call(http.MethodPost, path, nil, nil); err != nil {
				return err
			}
			fmt.Println("Stop requested")
			return nil
		},
	}
}

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session-id> [mac]",
		Short: "Delete a session, or one device record within it",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/v1/captures/" + args[0]
			if len(args) == 2 {
				path += "/devices/" + args[1]
			}
			if err := call(http.MethodDelete, path, nil, nil); err != nil {
				return err
			}
			fmt.Println("Deleted")
			return nil
		},
	}
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream live capture progress events",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Get(serverURL + "/api/v1/events")
			if err != nil {
				return fmt.Errorf("failed to connect to event stream: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("event stream unavailable: %s", resp.Status)
			}

			scanner := bufio.NewScanner(resp.Body)
			for scanner.Scan() {
				line := scanner.Text()
				if data, ok := strings.CutPrefix(line, "data:"); ok {
					fmt.Println(strings.TrimSpace(data))
				}
			}
			return scanner.Err()
		},
	}
}

// call performs one API request and decodes the JSON reply into out.
func call(method, path string, body any, out any) error {
	var reqBody io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(buf)
	}

	req, err := http.NewRequest(method, serverURL+path, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, apiErr.Error)
		}
		return fmt.Errorf("request failed: %s", resp.Status)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func printSessions(sessions []store.CaptureSession) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tMODE\tACTIVE\tDEVICE\tCAPTURING\tPROGRESS\tARTIFACT")
	for _, s := range sessions {
		if len(s.Devices) == 0 {
			fmt.Fprintf(w, "%s\t%s\t%t\t-\t-\t-\t-\n", s.SessionID, s.Mode, s.IsActive)
			continue
		}
		for _, d := range s.Devices {
			fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%t\t%d/%d\t%s\n",
				s.SessionID, s.Mode, s.IsActive, d.MAC, d.Capturing, d.Progress, d.Total, d.ArtifactURL)
		}
	}
	w.Flush()
}
