/*
Package adminstore is a bbolt-backed read projection of the tracker's
cluster listing, rebuilt from the registry on startup and kept current
by explicit Put/Delete calls as the registry mutates.

	┌────────────────────────────────────────────┐
	│                registry                      │
	│   (in-memory, single read/write lock,         │
	│    system of record + changelog + snapshots)  │
	└────────────────┬───────────────────────────────┘
	                 │ PutGroup / PutStorage / Delete*
	                 ▼
	┌────────────────────────────────────────────┐
	│               adminstore                     │
	│         (bbolt, read-mostly listings)         │
	└────────────────────────────────────────────┘

Admin query handlers (SERVER_LIST_ALL_GROUPS, LIST_ONE_GROUP,
LIST_STORAGE) read from adminstore instead of calling into registry
directly, so a slow or large listing scan never blocks a write on the
registry's lock. Losing admin.db is never a data-loss event: Rebuild
repopulates it from the registry in one pass.
*/
package adminstore
