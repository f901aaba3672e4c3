//go:build !hostonly

package backend

const acceleratorEnabled = true
