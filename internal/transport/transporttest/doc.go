// Package transporttest provides an in-memory transport.Transport for tests.
package transporttest
