package prefetch

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/satchelhq/satchel/internal/cache"
)

// Role selects which entity families a user needs cached for offline use.
type Role string

const (
	// RoleClassOwner covers teachers responsible for a section: rosters,
	// schedules, assignments and attendance history.
	RoleClassOwner Role = "class_owner"
	// RoleGuardian covers parents/guardians: only their dependents' views.
	RoleGuardian Role = "guardian"
	// RoleAdmin covers institution staff with cross-section access.
	RoleAdmin Role = "admin"
	// RoleBursar covers finance staff.
	RoleBursar Role = "bursar"
)

// defaultProfiles maps each role to the entity types it prefetches.
func defaultProfiles() map[Role][]cache.EntityType {
	return map[Role][]cache.EntityType{
		RoleClassOwner: {
			cache.EntityRosterMember,
			cache.EntityScheduleEntry,
			cache.EntityAssignment,
			cache.EntitySubject,
			cache.EntitySection,
			cache.EntityAttendanceRecord,
			cache.EntityHomeworkItem,
			cache.EntityConversation,
			cache.EntityMessage,
		},
		RoleGuardian: {
			cache.EntityScheduleEntry,
			cache.EntityHomeworkItem,
			cache.EntityAttendanceRecord,
			cache.EntityConversation,
			cache.EntityMessage,
			cache.EntityContact,
		},
		RoleAdmin: {
			cache.EntityRosterMember,
			cache.EntityScheduleEntry,
			cache.EntitySubject,
			cache.EntitySection,
			cache.EntityContact,
			cache.EntityConversation,
			cache.EntityMessage,
		},
		RoleBursar: {
			cache.EntityRosterMember,
			cache.EntityContact,
			cache.EntityConversation,
			cache.EntityMessage,
		},
	}
}

// profilesFile is the YAML shape of a role-profile override file:
//
//	profiles:
//	  class_owner: [roster_member, schedule_entry]
//	  guardian: [homework_item]
type profilesFile struct {
	Profiles map[string][]string `yaml:"profiles"`
}

// LoadProfiles reads a role-profile override file. Roles absent from the
// file keep their built-in entity sets.
func LoadProfiles(path string) (map[Role][]cache.EntityType, error) {
	profiles := defaultProfiles()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profiles file: %w", err)
	}

	var pf profilesFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("failed to parse profiles file %s: %w", path, err)
	}

	for role, names := range pf.Profiles {
		var types []cache.EntityType
		for _, name := range names {
			typ := cache.EntityType(name)
			if !typ.Valid() {
				return nil, fmt.Errorf("profiles file %s: unknown entity type %q for role %s", path, name, role)
			}
			types = append(types, typ)
		}
		profiles[Role(role)] = types
	}

	return profiles, nil
}
