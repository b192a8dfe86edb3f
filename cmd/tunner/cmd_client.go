package main

import (
	"errors"
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/emessiha/tunner/internal/app"
	"github.com/emessiha/tunner/internal/config"
	"github.com/emessiha/tunner/internal/transport"
	"github.com/emessiha/tunner/internal/util"
)

var clientFlags struct {
	iface       string
	listenPort  int
	user        string
	keyFile     string
	password    string
	remotePort  int
	forwardPort int
	transport   string
	url         string
	token       string
	hostKey     string
}

var commandClient = &cobra.Command{
	Use:   "client [server]",
	Short: "Listen locally and carry connections to the server",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runClient,
}

func init() {
	d := config.Default(config.RoleClient)
	f := commandClient.Flags()
	f.StringVarP(&clientFlags.iface, "interface", "i", d.Listen.Host, "local interface to listen on")
	f.IntVarP(&clientFlags.listenPort, "listen", "l", d.Listen.Port, "local port to listen on")
	f.StringVarP(&clientFlags.user, "user", "u", "", "SSH user")
	f.StringVarP(&clientFlags.keyFile, "key", "k", "", "SSH private key file")
	f.StringVarP(&clientFlags.password, "password", "p", "", "SSH password (prompted when neither password nor key is given)")
	f.IntVarP(&clientFlags.remotePort, "remote-port", "r", d.Remote.Port, "SSH port, or tunnel port with --transport tcp")
	f.IntVarP(&clientFlags.forwardPort, "forward-port", "f", d.Remote.ForwardPort, "server tunnel port as seen from the SSH host")
	f.StringVarP(&clientFlags.transport, "transport", "t", string(d.Remote.Transport), "tunnel transport: ssh, tcp, ws or webrtc")
	f.StringVar(&clientFlags.url, "url", "", "WebSocket URL for ws and webrtc transports")
	f.StringVar(&clientFlags.token, "token", "", "shared token for ws and webrtc transports")
	f.StringVar(&clientFlags.hostKey, "host-key", "", "pin the SSH server key (authorized_keys format)")
	mainCommand.AddCommand(commandClient)
}

func runClient(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(config.RoleClient)
	if err != nil {
		return err
	}

	f := cmd.Flags()
	if f.Changed("interface") {
		cfg.Listen.Host = clientFlags.iface
	}
	if f.Changed("listen") {
		cfg.Listen.Port = clientFlags.listenPort
	}
	if f.Changed("user") {
		cfg.Remote.User = clientFlags.user
	}
	if f.Changed("key") {
		cfg.Remote.KeyFile = clientFlags.keyFile
	}
	if f.Changed("password") {
		cfg.Remote.Password = clientFlags.password
	}
	if f.Changed("remote-port") {
		cfg.Remote.Port = clientFlags.remotePort
	}
	if f.Changed("forward-port") {
		cfg.Remote.ForwardPort = clientFlags.forwardPort
	}
	if f.Changed("transport") {
		cfg.Remote.Transport = config.Transport(clientFlags.transport)
	}
	if f.Changed("url") {
		cfg.Remote.URL = clientFlags.url
	}
	if f.Changed("token") {
		cfg.Remote.Token = clientFlags.token
	}
	if f.Changed("host-key") {
		cfg.Remote.HostKey = clientFlags.hostKey
	}
	if len(args) == 1 {
		cfg.Remote.Host = args[0]
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration:\n%w", err)
	}
	if cfg.Remote.Transport == config.TransportSSH {
		if err := promptSSHSecrets(&cfg.Remote); err != nil {
			return err
		}
	}

	pterm.Info.Printfln("tunner %s (client)", version)
	err = app.RunClient(cmd.Context(), cfg)
	util.LogInfo("client stopped")
	return err
}

// promptSSHSecrets asks for what the SSH login still lacks: a password
// when there is no key, or the passphrase of an encrypted key.
func promptSSHSecrets(r *config.Remote) error {
	if r.KeyFile != "" {
		if r.Passphrase != "" {
			return nil
		}
		_, err := transport.LoadPrivateKey(r.KeyFile, nil)
		if !errors.Is(err, transport.ErrPassphraseRequired) {
			return err
		}
		r.Passphrase, err = promptSecret(fmt.Sprintf("Passphrase for %s", r.KeyFile))
		return err
	}

	if r.Password == "" {
		var err error
		r.Password, err = promptSecret(fmt.Sprintf("Password for %s@%s", r.User, r.Host))
		return err
	}
	return nil
}

func promptSecret(prompt string) (string, error) {
	secret, err := pterm.DefaultInteractiveTextInput.WithMask("*").Show(prompt)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", prompt, err)
	}
	return secret, nil
}
