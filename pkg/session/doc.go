/*
Package session guards access to runs.

A session is the exclusive right to drive one run. The Manager serializes
Start and Resume calls for the same run ID inside a process and, when a
ports.Locker is configured, across processes. It also fronts the snapshot
store for read access to past runs.
*/
package session
