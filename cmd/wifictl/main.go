// Command wifictl is the host-side client for the authenticated
// remote-control channel: it dials a device's TCP port, runs the
// challenge-response handshake, and issues one encrypted request per
// invocation.
package main

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/term"

	"openenterprise/wifimgr/remotecrypto"
	"openenterprise/wifimgr/remotehandlers"
	"openenterprise/wifimgr/remotesession"
)

const (
	defaultPort    = "1404"
	defaultTimeout = 10 * time.Second
)

func main() {
	loadEnvFile()

	host := flag.String("host", "", "Device IP address (required)")
	port := flag.String("port", defaultPort, "Device port")
	password := flag.String("password", "", "Shared update secret (or WIFIMGR_SECRET env var)")
	flag.Parse()

	if *host == "" {
		if flag.NArg() > 0 {
			*host = flag.Arg(0)
		} else {
			printUsage()
			os.Exit(1)
		}
	}

	cmd := ""
	args := flag.Args()
	if len(args) > 0 && args[0] == *host {
		args = args[1:]
	}
	if len(args) > 0 {
		cmd = args[0]
		args = args[1:]
	}
	if cmd == "" {
		printUsage()
		os.Exit(1)
	}

	secret := getSecret(*password)
	if secret == "" {
		fmt.Fprintln(os.Stderr, "Error: no shared secret provided")
		os.Exit(1)
	}

	addr := net.JoinHostPort(*host, *port)
	sess, err := dial(addr, secret)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer sess.Close()

	if err := runCommand(sess, cmd, args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("wifictl - remote-control client for openenterprise/wifimgr devices")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  wifictl -host <ip> [-port 1404] [-password <secret>] <command> [args...]")
	fmt.Println()
	fmt.Println("Authentication:")
	fmt.Println("  Secret can be provided via -password, WIFIMGR_SECRET env var, .env file, or prompt.")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  info                          Query device identity, uptime, and flash layout")
	fmt.Println("  update-settings <file>        Replace the settings blob, no reboot")
	fmt.Println("  update-reboot <file>          Replace the settings blob and reboot")
	fmt.Println("  flash-read <addr> <size>      Read raw flash/RAM (flash appears at 0x10000000)")
	fmt.Println("  flash-program <offset> <file> Erase+program a sector-aligned flash range")
	fmt.Println("  ota-push <file>               Stage and finalize an OTA firmware replacement")
}

func dial(addr, secret string) (*remotesession.Session, error) {
	conn, err := net.DialTimeout("tcp", addr, defaultTimeout)
	if err != nil {
		return nil, fmt.Errorf("connect failed: %w", err)
	}
	conn.SetDeadline(time.Now().Add(defaultTimeout))
	stretched := remotecrypto.Stretch([]byte(secret))
	sess, greeting, err := remotesession.Dial(remotesession.NewNetConn(conn), stretched, remotesession.CryptoRandSource{})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake failed: %w", err)
	}
	fmt.Printf("connected to board %X (%s)\n", greeting.BoardID, greeting.Version)
	return sess, nil
}

func runCommand(sess *remotesession.Session, cmd string, args []string) error {
	switch cmd {
	case "info":
		return cmdInfo(sess)
	case "update-settings":
		return cmdUpdateSettings(sess, args, remotehandlers.MsgUpdateSettings)
	case "update-reboot":
		return cmdUpdateSettings(sess, args, remotehandlers.MsgUpdateAndReboot)
	case "flash-read":
		return cmdFlashRead(sess, args)
	case "flash-program":
		return cmdFlashProgram(sess, args)
	case "ota-push":
		return cmdOTAPush(sess, args)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// request sends one encrypted command and decodes the reply. A reply whose
// message type is not the OK discriminator is an encrypted error header
// (bad parameter, unknown handler, corrupt request, handler failure) and
// is surfaced as an error, never as a zero-result success.
func request(sess *remotesession.Session, msgType byte, param uint32, payload []byte) (remotehandlers.Response, error) {
	req := remotecrypto.Header{MsgType: msgType, ParameterOrResult: param}
	if err := sess.SendFrame(remotesession.Frame{Header: req, Payload: payload}); err != nil {
		return remotehandlers.Response{}, err
	}
	reply, err := sess.RecvFrame()
	if err != nil {
		return remotehandlers.Response{}, err
	}
	if reply.Header.MsgType != remotesession.ErrOK {
		return remotehandlers.Response{}, remotesession.WireError{Code: reply.Header.MsgType}
	}
	return remotehandlers.Response{Result: reply.Header.ParameterOrResult, Data: reply.Payload}, nil
}

// cmdInfo prints the device's newline-separated key=value diagnostics
// verbatim; they are already human-readable.
func cmdInfo(sess *remotesession.Session) error {
	resp, err := request(sess, remotehandlers.MsgPicoInfo, 0, nil)
	if err != nil {
		return err
	}
	fmt.Print(string(resp.Data))
	return nil
}

// infoValue extracts one key's value from the info handler's key=value
// text.
func infoValue(text, key string) (string, bool) {
	for _, line := range strings.Split(text, "\n") {
		if v, ok := strings.CutPrefix(line, key+"="); ok {
			return v, true
		}
	}
	return "", false
}

func cmdUpdateSettings(sess *remotesession.Session, args []string, msgType byte) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: update-settings <file>")
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read %s: %w", args[0], err)
	}
	resp, err := request(sess, msgType, 0, data)
	if err != nil {
		return err
	}
	if resp.Result != uint32(len(data)) {
		return fmt.Errorf("device rejected settings update (result=%d)", resp.Result)
	}
	fmt.Printf("settings updated (%d bytes)\n", resp.Result)
	return nil
}

func cmdFlashRead(sess *remotesession.Session, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: flash-read <addr> <size>")
	}
	addr, err := strconv.ParseUint(args[0], 0, 32)
	if err != nil {
		return fmt.Errorf("invalid address: %w", err)
	}
	size, err := strconv.ParseUint(args[1], 0, 32)
	if err != nil {
		return fmt.Errorf("invalid size: %w", err)
	}
	var payload [4]byte
	binary.LittleEndian.PutUint32(payload[:], uint32(addr))
	resp, err := request(sess, remotehandlers.MsgReadFlash, uint32(size), payload[:])
	if err != nil {
		return err
	}
	fmt.Print(hex.Dump(resp.Data))
	return nil
}

func cmdFlashProgram(sess *remotesession.Session, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: flash-program <offset> <file>")
	}
	offset, err := strconv.ParseUint(args[0], 0, 32)
	if err != nil {
		return fmt.Errorf("invalid offset: %w", err)
	}
	data, err := os.ReadFile(args[1])
	if err != nil {
		return fmt.Errorf("read %s: %w", args[1], err)
	}
	resp, err := request(sess, remotehandlers.MsgWriteFlash, uint32(offset), data)
	if err != nil {
		return err
	}
	if resp.Result != uint32(len(data)) {
		return fmt.Errorf("device rejected flash program (result=%d)", resp.Result)
	}
	fmt.Printf("programmed %d bytes at offset 0x%x\n", len(data), offset)
	return nil
}

// cmdOTAPush stages firmware into the device's target partition via
// repeated flash-program requests (one erase sector per request, the last
// one padded with 0xFF), then finalizes with MsgOTAFirmwareUpdate carrying
// the padded image's SHA-256 for the device to verify before rebooting
// into the new partition.
func cmdOTAPush(sess *remotesession.Session, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: ota-push <firmware-file>")
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read %s: %w", args[0], err)
	}

	infoResp, err := request(sess, remotehandlers.MsgPicoInfo, 0, nil)
	if err != nil {
		return fmt.Errorf("query device info: %w", err)
	}
	info := string(infoResp.Data)
	targetOffset, err := infoHexValue(info, "target_offset")
	if err != nil {
		return err
	}
	targetMax, err := infoHexValue(info, "target_max")
	if err != nil {
		return err
	}

	// Whole sectors only: pad the tail with the erased-byte value, which
	// the device hashes as part of the staged image.
	const sectorSize = 4096
	padded := make([]byte, (len(data)+sectorSize-1)/sectorSize*sectorSize)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = 0xFF
	}
	if uint32(len(padded)) > targetMax {
		return fmt.Errorf("firmware %d bytes exceeds partition capacity %d", len(padded), targetMax)
	}
	partition, _ := infoValue(info, "partition")
	fmt.Printf("staging %d bytes at 0x%x (current partition %s)\n", len(padded), targetOffset, partition)

	for off := 0; off < len(padded); off += sectorSize {
		resp, err := request(sess, remotehandlers.MsgWriteFlash, targetOffset+uint32(off), padded[off:off+sectorSize])
		if err != nil {
			return fmt.Errorf("stage sector at %d: %w", off, err)
		}
		if resp.Result != uint32(sectorSize) {
			return fmt.Errorf("device rejected sector at %d (result=%d)", off, resp.Result)
		}
	}

	hash := sha256.Sum256(padded)
	finalizeResp, err := request(sess, remotehandlers.MsgOTAFirmwareUpdate, uint32(len(padded)), hash[:])
	if err != nil {
		return fmt.Errorf("finalize OTA: %w", err)
	}
	if finalizeResp.Result != 0 {
		return fmt.Errorf("device rejected OTA image (result=%d)", finalizeResp.Result)
	}
	fmt.Println("OTA accepted, device rebooting")
	return nil
}

func infoHexValue(info, key string) (uint32, error) {
	raw, ok := infoValue(info, key)
	if !ok {
		return 0, fmt.Errorf("device info missing %s", key)
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(raw, "0x"), 16, 32)
	if err != nil {
		return 0, fmt.Errorf("device info %s=%q: %w", key, raw, err)
	}
	return uint32(v), nil
}

func loadEnvFile() {
	data, err := os.ReadFile(".env")
	if err != nil {
		return
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if len(value) >= 2 && ((value[0] == '"' && value[len(value)-1] == '"') ||
			(value[0] == '\'' && value[len(value)-1] == '\'')) {
			value = value[1 : len(value)-1]
		}
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}

// getSecret resolves the shared update secret: flag > env > .env > prompt.
func getSecret(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if envSecret := os.Getenv("WIFIMGR_SECRET"); envSecret != "" {
		return envSecret
	}
	if term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Print("Secret: ")
		secret, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err == nil && len(secret) > 0 {
			return string(secret)
		}
	}
	return ""
}
