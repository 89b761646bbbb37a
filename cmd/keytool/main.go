package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/urfave/cli/v2"
)

var apiFlag = &cli.StringFlag{
	Name:  "api",
	Value: "http://127.0.0.1:8080",
	Usage: "base URL of the sessiond admin API",
}

var passphraseFlag = &cli.StringFlag{
	Name:     "passphrase",
	Required: true,
	Usage:    "backup passphrase (prefer passing via environment)",
	EnvVars:  []string{"PQSESSION_BACKUP_PASSPHRASE"},
}

func main() {
	app := &cli.App{
		Name:  "keytool",
		Usage: "Operate sessiond key lifecycle: rotation, backup, restore, audit",
		Flags: []cli.Flag{apiFlag},
		Commands: []*cli.Command{
			{
				Name:      "rotate",
				Usage:     "Rotate the KEM or signature key",
				ArgsUsage: "<kem|sig>",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "cause",
						Value: "manual",
						Usage: "reason recorded in the audit log",
					},
				},
				Action: runRotate,
			},
			{
				Name:   "backup",
				Usage:  "Encrypt the key set and store it in the backup archive",
				Flags:  []cli.Flag{passphraseFlag},
				Action: runBackup,
			},
			{
				Name:  "restore",
				Usage: "Restore the key set from an archived backup",
				Flags: []cli.Flag{
					passphraseFlag,
					&cli.StringFlag{
						Name:     "backup-id",
						Required: true,
						Usage:    "hex backup identifier returned by the backup command",
					},
				},
				Action: runRestore,
			},
			{
				Name:   "audit",
				Usage:  "Print the key rotation audit log",
				Action: runAudit,
			},
			{
				Name:   "keys",
				Usage:  "Print the current public key set",
				Action: runKeys,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func runRotate(cCtx *cli.Context) error {
	kind := cCtx.Args().First()
	if kind != "kem" && kind != "sig" {
		return fmt.Errorf("rotate requires an argument of 'kem' or 'sig'")
	}

	var result struct {
		Kind    string `json:"kind"`
		Version uint64 `json:"version"`
	}
	err := postJSON(cCtx, "/api/admin/v1/rotate/"+kind,
		map[string]string{"cause": cCtx.String("cause")}, &result)
	if err != nil {
		return err
	}

	fmt.Printf("rotated %s key to version %d\n", result.Kind, result.Version)
	return nil
}

func runBackup(cCtx *cli.Context) error {
	var result struct {
		BackupID string `json:"backup_id"`
	}
	err := postJSON(cCtx, "/api/admin/v1/backup",
		map[string]string{"passphrase": cCtx.String("passphrase")}, &result)
	if err != nil {
		return err
	}

	fmt.Printf("backup stored: %s\n", result.BackupID)
	return nil
}

func runRestore(cCtx *cli.Context) error {
	err := postJSON(cCtx, "/api/admin/v1/restore", map[string]string{
		"passphrase": cCtx.String("passphrase"),
		"backup_id":  cCtx.String("backup-id"),
	}, nil)
	if err != nil {
		return err
	}

	fmt.Println("key set restored")
	return nil
}

func runAudit(cCtx *cli.Context) error {
	var entries []struct {
		Timestamp  time.Time `json:"timestamp"`
		Op         string    `json:"op"`
		Algorithm  string    `json:"algorithm"`
		OldVersion uint64    `json:"old_version"`
		NewVersion uint64    `json:"new_version"`
		Cause      string    `json:"cause"`
	}
	if err := getJSON(cCtx, "/api/admin/v1/audit", &entries); err != nil {
		return err
	}

	for _, e := range entries {
		fmt.Printf("%s\t%s\t%s\tv%d -> v%d\t%s\n",
			e.Timestamp.Format(time.RFC3339), e.Op, e.Algorithm, e.OldVersion, e.NewVersion, e.Cause)
	}
	return nil
}

func runKeys(cCtx *cli.Context) error {
	var keySet json.RawMessage
	if err := getJSON(cCtx, "/api/v1/keys", &keySet); err != nil {
		return err
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, keySet, "", "  "); err != nil {
		return err
	}
	fmt.Println(pretty.String())
	return nil
}

func postJSON(cCtx *cli.Context, path string, payload, result any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	resp, err := http.Post(cCtx.String("api")+path, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	return decodeResponse(resp, result)
}

func getJSON(cCtx *cli.Context, path string, result any) error {
	resp, err := http.Get(cCtx.String("api") + path)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	return decodeResponse(resp, result)
}

func decodeResponse(resp *http.Response, result any) error {
	if resp.StatusCode != http.StatusOK {
		message, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("server returned %s: %s", resp.Status, bytes.TrimSpace(message))
	}
	if result == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(result)
}
