// Package mcp exposes learnd over the Model Context Protocol on stdio.
//
// Tools cover storing and recalling learnings, session registration and
// peers, advisory file claims, and handoffs. Tool calls use the session the
// process was started with unless the arguments name another one.
package mcp
