package util

import (
	"fmt"
	"net/http"
	"os"
	"runtime"
	"strings"
)

// SatoshiDivisor : number of satoshis in one bitcoin
const SatoshiDivisor = 100000000

// LogError : Log error if it exists
func LogError(err error) error {
	if err != nil {
		fmt.Println(err)
	}
	return err
}

// FormatSatoshi : render a satoshi amount as a decimal bitcoin string.
// Eight fractional digits, so integer satoshi values round-trip exactly.
func FormatSatoshi(sats int64) string {
	sign := ""
	if sats < 0 {
		sign = "-"
		sats = -sats
	}
	return fmt.Sprintf("%s%d.%08d", sign, sats/SatoshiDivisor, sats%SatoshiDivisor)
}

// GetEnv : GetArray an env var but with a default. Untyped, defaults to string.
func GetEnv(key string, def string) string {
	value := os.Getenv(key)
	if len(value) == 0 {
		return def
	}
	return value
}

func GetIPOnly(ip string) string {
	listenAddr := ip
	if strings.Contains(listenAddr, "//") {
		listenAddr = listenAddr[strings.LastIndex(listenAddr, "/")+1:]
	}
	if strings.Contains(listenAddr, ":") {
		listenAddr = listenAddr[:strings.LastIndex(listenAddr, ":")]
	}
	return listenAddr
}

func GetClientIP(r *http.Request) string {
	return r.RemoteAddr
}

// GetCurrentFuncName : get name of function being called
func GetCurrentFuncName(numCallStack int) string {
	pc, _, _, _ := runtime.Caller(numCallStack)
	return fmt.Sprintf("%s", runtime.FuncForPC(pc).Name())
}
