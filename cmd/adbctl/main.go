// adbctl is a thin command-line front-end over the adblite client, mostly
// useful for poking at a device from a shell without reaching for the
// adb binary itself.
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kingpin/v2"
	"github.com/cheggaaa/pb"
	"github.com/sirupsen/logrus"

	adb "github.com/prife-fork/adblite"
)

var (
	app     = kingpin.New("adbctl", "Drive an Android device over the adb host protocol.")
	addr    = app.Flag("addr", "adb server address").Default("127.0.0.1:5037").String()
	serial  = app.Flag("serial", "device serial").Short('s').String()
	timeout = app.Flag("timeout", "operation timeout").Default("10s").Duration()
	verbose = app.Flag("verbose", "enable debug logging").Bool()

	versionCmd = app.Command("version", "print the adb server's protocol version")
	devicesCmd = app.Command("devices", "list attached devices")

	shellCmd        = app.Command("shell", "run a command through the device's shell")
	shellArg        = shellCmd.Arg("command", "shell command").Required().String()
	shellRecvSocket = shellCmd.Flag("recv-by-socket", "rewrite a trailing nc port and read output over it").Bool()

	waitCmd = app.Command("wait-for-device", "block until the device is reachable")

	pushCmd  = app.Command("push", "upload a file via the SYNC sub-protocol")
	pushSrc  = pushCmd.Arg("src", "local file").Required().String()
	pushDst  = pushCmd.Arg("dst", "remote path").Required().String()
	pushPerm = pushCmd.Flag("perm", "remote file mode").Default("0644").Uint32()
)

func main() {
	log := logrus.StandardLogger()

	switch kingpin.MustParse(app.Parse(os.Args[1:])) {
	case versionCmd.FullCommand():
		runVersion(log)
	case devicesCmd.FullCommand():
		runDevices(log)
	case shellCmd.FullCommand():
		runShell(log)
	case waitCmd.FullCommand():
		runWaitForDevice(log)
	case pushCmd.FullCommand():
		runPush(log)
	}
}

func opts(log logrus.FieldLogger) adb.Options {
	if *verbose {
		if l, ok := log.(*logrus.Logger); ok {
			l.SetLevel(logrus.DebugLevel)
		}
	}
	return adb.Options{Addr: *addr, Log: log}
}

func runVersion(log logrus.FieldLogger) {
	version, err := adb.Version(*timeout, opts(log))
	if err != nil {
		fatal(err)
	}
	fmt.Println(version)
}

func runDevices(log logrus.FieldLogger) {
	devices, err := adb.Devices(*timeout, opts(log))
	if err != nil {
		fatal(err)
	}
	fmt.Print(devices)
}

func requireSerial() string {
	if *serial == "" {
		fatal(fmt.Errorf("adbctl: -s/--serial is required for this command"))
	}
	return *serial
}

func runShell(log logrus.FieldLogger) {
	c := adb.New(requireSerial(), opts(log))
	out, err := c.Shell(*timeout, *shellArg, *shellRecvSocket)
	if err != nil {
		fatal(err)
	}
	fmt.Print(out)
}

func runWaitForDevice(log logrus.FieldLogger) {
	c := adb.New(requireSerial(), opts(log))
	if err := c.WaitForDevice(*timeout); err != nil {
		fatal(err)
	}
	fmt.Println("device online")
}

func runPush(log logrus.FieldLogger) {
	c := adb.New(requireSerial(), opts(log))

	info, err := os.Stat(*pushSrc)
	if err != nil {
		fatal(err)
	}

	bar := pb.New64(info.Size())
	bar.SetUnits(pb.U_BYTES)
	bar.Start()
	defer bar.Finish()

	err = c.PushProgress(*timeout, *pushSrc, *pushDst, *pushPerm, func(sent int64) {
		bar.Set64(sent)
	})
	if err != nil {
		fatal(err)
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "adbctl:", err)
	os.Exit(1)
}
