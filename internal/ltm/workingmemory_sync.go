package ltm

import "context"

// SetWorkingMemory upserts a RobotNode row with the given working_memory
// flag, creating the RobotNode if the robot has not previously remembered
// this node (and the robot row itself on the robot's first use). Used by
// internal/group to materialize sync_node_to_members and
// transfer_working_memory (spec §4.6) without routing through Add's
// content-dedup path.
func (l *LongTermMemory) SetWorkingMemory(ctx context.Context, robotID, nodeID string, value bool) error {
	if err := l.store.Exec(ctx, `
		INSERT INTO robots (id, name, last_active)
		VALUES ($1, $1, now())
		ON CONFLICT (id) DO UPDATE SET last_active = now()`, robotID); err != nil {
		return wrapDatabase(ctx, "upsert robot", err)
	}
	err := l.store.Exec(ctx, `
		INSERT INTO robot_nodes (robot_id, node_id, first_remembered_at, last_remembered_at, remember_count, working_memory)
		VALUES ($1, $2::uuid, now(), now(), 0, $3)
		ON CONFLICT (robot_id, node_id) DO UPDATE SET working_memory = $3`,
		robotID, nodeID, value)
	if err != nil {
		return wrapDatabase(ctx, "set_working_memory", err)
	}
	return nil
}

// WorkingMemoryNodeIDs returns the node ids currently flagged
// working_memory=true for robotID.
func (l *LongTermMemory) WorkingMemoryNodeIDs(ctx context.Context, robotID string) ([]string, error) {
	rows, err := l.store.Query(ctx, `SELECT node_id::text FROM robot_nodes WHERE robot_id = $1 AND working_memory`, robotID)
	if err != nil {
		return nil, wrapDatabase(ctx, "working_memory_node_ids", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, wrapDatabase(ctx, "scan working_memory_node_ids row", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ClearWorkingMemoryForRobot bulk-clears the working_memory flag for every
// RobotNode belonging to robotID (spec §4.6 clear_working_memory step 1,
// and Remove's "clears its working_memory flags" requirement).
func (l *LongTermMemory) ClearWorkingMemoryForRobot(ctx context.Context, robotID string) error {
	err := l.store.Exec(ctx, `UPDATE robot_nodes SET working_memory = false WHERE robot_id = $1`, robotID)
	if err != nil {
		return wrapDatabase(ctx, "clear_working_memory_for_robot", err)
	}
	return nil
}
