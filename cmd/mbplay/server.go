package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/justchokingaround/mbplay/internal/database"
	"github.com/justchokingaround/mbplay/internal/httpclient"
	"github.com/justchokingaround/mbplay/internal/mediaserver"
	"github.com/justchokingaround/mbplay/internal/ui"
)

// serverURLSettingKey remembers the server given to login when the config has none
const serverURLSettingKey = "mediaserver_url"

// newClient builds the media server client with stored credentials
func newClient(baseURL string) (*mediaserver.Client, error) {
	db := database.GetDB()
	if baseURL == "" {
		baseURL = cfg.Server.URL
	}
	if baseURL == "" {
		stored, err := database.GetSetting(db, serverURLSettingKey)
		if err != nil {
			return nil, err
		}
		baseURL = stored
	}
	if baseURL == "" {
		return nil, fmt.Errorf("no server configured: run `mbplay login <server-url>` or set server.url")
	}

	httpCfg := httpclient.DefaultClientConfig()
	httpCfg.Timeout = cfg.Server.Timeout
	httpCfg.Debug = cfg.Advanced.Debug
	httpCfg.Logger = logger

	reportsCfg := httpCfg
	reportsCfg.DisableRetry = true

	creds := mediaserver.NewCredentialStorage(db)
	return mediaserver.NewClient(mediaserver.Config{
		BaseURL:         baseURL,
		DeviceName:      cfg.Server.DeviceName,
		DeviceID:        cfg.Server.DeviceID,
		Version:         version,
		HTTP:            httpclient.NewClient(httpCfg),
		Reports:         httpclient.NewClient(reportsCfg),
		Logger:          logger,
		SaveCredentials: creds.Save,
		LoadCredentials: creds.Load,
	}), nil
}

// requireClient returns a logged-in client
func requireClient() (*mediaserver.Client, error) {
	client, err := newClient("")
	if err != nil {
		return nil, err
	}
	if !client.Authenticated() {
		return nil, fmt.Errorf("%w: run `mbplay login` first", mediaserver.ErrNotAuthenticated)
	}
	return client, nil
}

var loginCmd = &cobra.Command{
	Use:   "login <server-url>",
	Short: "Log in to a Jellyfin or Emby server",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		serverURL := ""
		if len(args) > 0 {
			serverURL = strings.TrimRight(args[0], "/")
			if !strings.HasPrefix(serverURL, "http://") && !strings.HasPrefix(serverURL, "https://") {
				return fmt.Errorf("server url must start with http:// or https://: %s", serverURL)
			}
		}

		username, _ := cmd.Flags().GetString("username")
		password, _ := cmd.Flags().GetString("password")
		if username == "" {
			username = cfg.Server.Username
		}

		reader := bufio.NewReader(os.Stdin)
		if username == "" {
			fmt.Print("Username: ")
			line, err := reader.ReadString('\n')
			if err != nil {
				return fmt.Errorf("failed to read username: %w", err)
			}
			username = strings.TrimSpace(line)
		}
		if password == "" && !cmd.Flags().Changed("password") {
			fmt.Print("Password: ")
			line, err := reader.ReadString('\n')
			if err != nil {
				return fmt.Errorf("failed to read password: %w", err)
			}
			password = strings.TrimRight(line, "\r\n")
		}

		client, err := newClient(serverURL)
		if err != nil {
			return err
		}
		result, err := client.Login(cmd.Context(), username, password)
		if err != nil {
			return err
		}
		if serverURL != "" {
			if err := database.PutSetting(database.GetDB(), serverURLSettingKey, serverURL); err != nil {
				return fmt.Errorf("failed to store server url: %w", err)
			}
		}

		fmt.Println(ui.Render(ui.SuccessStyle, "Logged in as "+result.User.Name) + " " +
			ui.Render(ui.MutedStyle, "("+client.BaseURL()+")"))
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored server credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient("")
		if err != nil {
			return err
		}
		if err := client.Logout(); err != nil {
			return err
		}
		fmt.Println("Logged out")
		return nil
	},
}

func init() {
	loginCmd.Flags().StringP("username", "u", "", "user name (default: server.username)")
	loginCmd.Flags().StringP("password", "p", "", "password (prompted when omitted)")
}
