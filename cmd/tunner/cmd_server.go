package main

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/emessiha/tunner/internal/app"
	"github.com/emessiha/tunner/internal/config"
	"github.com/emessiha/tunner/internal/util"
)

var serverFlags struct {
	iface          string
	listenPort     int
	mode           string
	targetHost     string
	targetPort     int
	wsListen       string
	sshdListen     string
	hostKeyFile    string
	authorizedKeys string
	token          string
}

var commandServer = &cobra.Command{
	Use:   "server",
	Short: "Accept tunnels and forward their connections to the target",
	Args:  cobra.NoArgs,
	RunE:  runServer,
}

func init() {
	d := config.Default(config.RoleServer)
	f := commandServer.Flags()
	f.StringVarP(&serverFlags.iface, "interface", "i", d.Listen.Host, "interface to accept tunnels on")
	f.IntVarP(&serverFlags.listenPort, "listen", "l", d.Listen.Port, "port to accept tunnels on")
	f.StringVarP(&serverFlags.mode, "mode", "m", string(d.Mode), "prod, or test to also run an echo server on the target")
	f.StringVarP(&serverFlags.targetHost, "target-host", "s", d.Target.Host, "forward target host")
	f.IntVarP(&serverFlags.targetPort, "target-port", "f", d.Target.Port, "forward target port")
	f.StringVar(&serverFlags.wsListen, "ws-listen", "", "serve WebSocket tunnels and WebRTC signaling on this address")
	f.StringVar(&serverFlags.sshdListen, "sshd-listen", "", "run the embedded SSH endpoint on this address")
	f.StringVar(&serverFlags.hostKeyFile, "host-key-file", "", "SSH host key, generated when missing")
	f.StringVar(&serverFlags.authorizedKeys, "authorized-keys", "", "authorized_keys file for the SSH endpoint")
	f.StringVar(&serverFlags.token, "token", "", "token required on the WebSocket endpoint")
	mainCommand.AddCommand(commandServer)
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(config.RoleServer)
	if err != nil {
		return err
	}

	f := cmd.Flags()
	if f.Changed("interface") {
		cfg.Listen.Host = serverFlags.iface
	}
	if f.Changed("listen") {
		cfg.Listen.Port = serverFlags.listenPort
	}
	if f.Changed("mode") {
		cfg.Mode = config.Mode(serverFlags.mode)
	}
	if f.Changed("target-host") {
		cfg.Target.Host = serverFlags.targetHost
	}
	if f.Changed("target-port") {
		cfg.Target.Port = serverFlags.targetPort
	}
	if f.Changed("ws-listen") {
		cfg.WebSocket.Listen = serverFlags.wsListen
	}
	if f.Changed("sshd-listen") {
		cfg.SSHD.Listen = serverFlags.sshdListen
	}
	if f.Changed("host-key-file") {
		cfg.SSHD.HostKeyFile = serverFlags.hostKeyFile
	}
	if f.Changed("authorized-keys") {
		cfg.SSHD.AuthorizedKeysFile = serverFlags.authorizedKeys
	}
	if f.Changed("token") {
		cfg.WebSocket.Token = serverFlags.token
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration:\n%w", err)
	}

	pterm.Info.Printfln("tunner %s (server, %s mode)", version, cfg.Mode)
	err = app.RunServer(cmd.Context(), cfg)
	util.LogInfo("server stopped")
	return err
}
