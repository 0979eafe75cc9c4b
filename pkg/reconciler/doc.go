/*
Package reconciler owns the two timers neither Container nor Holder keep
for themselves: how long a Dead container is kept around before it ages
out, and when a respawn-eligible container actually restarts after its
task exits.

# Exit delivery

Reconciler.OnExit is registered as the Slave's TaskSupervisor.ExitHandler.
When the Supervisor resolves an exit event's pid back to a container name,
OnExit looks the container up in the Holder, applies the exit via
Container.HandleExit, fires any matching Waiters, and re-derives Meta state
on the parent chain. If the container is respawn-eligible, the restart is
scheduled respawn_delay_ms into the future instead of attempted inline —
OnExit runs on whatever goroutine is reading the event fd, and a slow or
failing Start there would stall exit delivery for every other container.

# Aging sweep

A Dead container with respawn disabled is tracked until aging_time
elapses, at which point the reconciliation loop removes it from the Holder
entirely. A fixed ticker drives both the aging sweep and due respawns; both
only ever touch containers still in the state they were scheduled for, so
a manual Start/Stop racing the scheduled action is a no-op rather than a
double-apply.
*/
package reconciler
