package server

import (
	"net"

	"github.com/migadu/bender/logger"
)

type logFunc func(msg string, keysAndValues ...any)

// ProxySessionLogger provides common logging functionality for proxied
// client connections.
type ProxySessionLogger struct {
	Protocol   string
	ServerName string
	ClientConn net.Conn
	ConnID     string
	Debug      bool
}

// log is the common logging implementation for all log levels
func (l *ProxySessionLogger) log(logFn logFunc, msg string, keysAndValues ...any) {
	var remoteAddr string
	if l.ClientConn != nil {
		remoteAddr = GetAddrString(l.ClientConn.RemoteAddr())
	}

	allKeyvals := make([]any, 0, 8+len(keysAndValues))
	allKeyvals = append(allKeyvals, "proto", l.Protocol, "name", l.ServerName, "remote", remoteAddr, "conn", l.ConnID)
	allKeyvals = append(allKeyvals, keysAndValues...)
	logFn(msg, allKeyvals...)
}

// InfoLog logs at INFO level with session context
func (l *ProxySessionLogger) InfoLog(msg string, keysAndValues ...any) {
	l.log(logger.Info, msg, keysAndValues...)
}

// DebugLog logs at DEBUG level with session context
func (l *ProxySessionLogger) DebugLog(msg string, keysAndValues ...any) {
	if l.Debug {
		l.log(logger.Debug, msg, keysAndValues...)
	}
}

// WarnLog logs at WARN level with session context
func (l *ProxySessionLogger) WarnLog(msg string, keysAndValues ...any) {
	l.log(logger.Warn, msg, keysAndValues...)
}

// ErrorLog logs at ERROR level with session context
func (l *ProxySessionLogger) ErrorLog(msg string, keysAndValues ...any) {
	l.log(logger.Error, msg, keysAndValues...)
}
