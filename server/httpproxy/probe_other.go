//go:build !unix

package httpproxy

func alive(u *Upstream) bool {
	return peekAlive(u)
}
