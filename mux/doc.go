/*
Package mux multiplexes short-lived viewer connections onto long-lived
conversation subprocesses.

Each conversation has at most one live subprocess. The first viewer to attach
spawns it (resuming prior context when the stored metadata carries a resume
token); later viewers share it. Output from the subprocess is decoded line by
line and fanned out to every attached viewer as it arrives; completed
assistant replies are persisted to the transcript. Detaching never kills the
subprocess -- it keeps running unattended and is only reclaimed by the idle
reaper once it has had no viewers for longer than the configured threshold,
or by an explicit Terminate.

The Supervisor guards its conversation table with one mutex and each entry
with its own, so a stuck conversation cannot stall its siblings.
*/
package mux
