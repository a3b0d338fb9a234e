package shvurl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	cases := []struct {
		str  string
		want URL
	}{
		{"unix:/dev/null", URL{Protocol: ProtocolUnix, Location: "/dev/null"}},
		{"unix:dir/socket", URL{Protocol: ProtocolUnix, Location: "dir/socket"}},
		{"tcp://test@localhost:4242", URL{
			Protocol: ProtocolTCP, Location: "localhost", Port: 4242,
			Login: Login{Username: "test"},
		}},
		{"tcp://localhost?user=test@example.com", URL{
			Protocol: ProtocolTCP, Location: "localhost", Port: DefaultTCPPort,
			Login: Login{Username: "test@example.com"},
		}},
		{"tcp://localhost:4242?devid=foo&devmount=/dev/null", URL{
			Protocol: ProtocolTCP, Location: "localhost", Port: 4242,
			Login: Login{DeviceID: "foo", DeviceMountpoint: "/dev/null"},
		}},
		{"tcp://localhost:4242?devid=foo&devmount=/dev/null&password=test", URL{
			Protocol: ProtocolTCP, Location: "localhost", Port: 4242,
			Login: Login{Password: "test", Type: LoginPlain, DeviceID: "foo", DeviceMountpoint: "/dev/null"},
		}},
		{"tcp://localhost:4242?devid=foo&devmount=/dev/null&shapass=xxxxxxxx", URL{
			Protocol: ProtocolTCP, Location: "localhost", Port: 4242,
			Login: Login{Password: "xxxxxxxx", Type: LoginSHA1, DeviceID: "foo", DeviceMountpoint: "/dev/null"},
		}},
		{"tcp://[::]:4242", URL{Protocol: ProtocolTCP, Location: "::", Port: 4242}},
		{"serial:/dev/ttyUSB1", URL{Protocol: ProtocolTTY, Location: "/dev/ttyUSB1", Baudrate: DefaultBaudrate}},
		{"tty:/dev/ttyUSB1?baudrate=1152000", URL{Protocol: ProtocolTTY, Location: "/dev/ttyUSB1", Baudrate: 1152000}},
		{"", URL{Protocol: ProtocolUnix}},
		{"socket", URL{Protocol: ProtocolUnix, Location: "socket"}},
		{"/dev/null", URL{Protocol: ProtocolUnix, Location: "/dev/null"}},
		{"tcp://localhost", URL{Protocol: ProtocolTCP, Location: "localhost", Port: DefaultTCPPort}},
		{"tcp://localhost?devid=foo", URL{
			Protocol: ProtocolTCP, Location: "localhost", Port: DefaultTCPPort,
			Login: Login{DeviceID: "foo"},
		}},
		{"can://vcan", URL{Protocol: ProtocolCAN, Location: "vcan", Port: DefaultCANAddress, CANAddress: DefaultCANAddress}},
		{"can://someone@vcan:40?caddr=80&password=test", URL{
			Protocol: ProtocolCAN, Location: "vcan", Port: 40, CANAddress: 80,
			Login: Login{Username: "someone", Password: "test", Type: LoginPlain},
		}},
	}
	for _, c := range cases {
		t.Run(c.str, func(t *testing.T) {
			got, err := Parse(c.str)
			require.NoError(t, err)
			assert.Equal(t, &c.want, got)
		})
	}
}

func TestParseInvalid(t *testing.T) {
	cases := []string{
		"foo://some",
		"tcp://some:none?password=foo",
		"tcp://some?invalid=foo",
		"ssl://some?baudrate=9600",
		"tcp://some?ca=foo",
		"tty:/dev/ttyUSB0?verify=true",
	}
	for _, s := range cases {
		t.Run(s, func(t *testing.T) {
			_, err := Parse(s)
			assert.Error(t, err)
		})
	}
}

func TestString(t *testing.T) {
	cases := []struct {
		url  URL
		want string
	}{
		{URL{Protocol: ProtocolTCP, Location: "localhost", Port: DefaultTCPPort}, "tcp://localhost"},
		{URL{
			Protocol: ProtocolTCPS, Location: "localhost", Port: DefaultTCPSPort,
			Login: Login{Username: "foo", Password: "test", Type: LoginPlain},
		}, "tcps://foo@localhost?password=test"},
		{URL{Protocol: ProtocolSSL, Location: "localhost", Port: DefaultSSLPort}, "ssl://localhost"},
		{URL{
			Protocol: ProtocolSSLS, Location: "localhost", Port: DefaultSSLSPort,
			Login: Login{Username: "alice@example.com", Password: "xxxxxxxx", Type: LoginSHA1},
		}, "ssls://localhost?user=alice%40example.com&shapass=xxxxxxxx"},
		{URL{
			Protocol: ProtocolTCP, Location: "0.0.0.0", Port: 4242,
			Login: Login{DeviceID: "some", DeviceMountpoint: "test/some"},
		}, "tcp://0.0.0.0:4242?devid=some&devmount=test%2Fsome"},
		{URL{Protocol: ProtocolSSLS, Location: "localhost", Port: 2424}, "ssls://localhost:2424"},
		{URL{Protocol: ProtocolUnix, Location: "/dev/null"}, "unix:/dev/null"},
	}
	for _, c := range cases {
		t.Run(c.want, func(t *testing.T) {
			assert.Equal(t, c.want, c.url.String())
		})
	}
}

func TestRoundTrip(t *testing.T) {
	strs := []string{
		"tcp://localhost",
		"tcp://localhost:4242",
		"unix:/dev/null",
		"tty:/dev/ttyUSB1",
		"tty:/dev/ttyUSB1?baudrate=1152000",
		"can://vcan",
	}
	for _, s := range strs {
		t.Run(s, func(t *testing.T) {
			u, err := Parse(s)
			require.NoError(t, err)
			assert.Equal(t, s, u.String())
		})
	}
}
