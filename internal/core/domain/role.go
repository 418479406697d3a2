package domain

type Role string

const (
	RoleSuperadmin Role = "SUPERADMIN"
	RoleDirecteur  Role = "DIRECTEUR"
	RoleGerant     Role = "GERANT"
	RoleVendeur    Role = "VENDEUR"
	RoleMagasinier Role = "MAGASINIER"
)

var roleRank = map[Role]int{
	RoleSuperadmin: 4,
	RoleDirecteur:  3,
	RoleGerant:     2,
	RoleVendeur:    1,
	RoleMagasinier: 1,
}

// AtLeast reports whether r ranks at or above required. Unknown roles rank below everything.
func (r Role) AtLeast(required Role) bool {
	have, ok := roleRank[r]
	if !ok {
		return false
	}
	return have >= roleRank[required]
}
