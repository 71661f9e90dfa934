package lazy

// View is a read-only mapping over a Container. Lookups decrypt on each
// access and nothing is cached between them.
type View struct {
	c *Container
}

// View returns a lazy mapping view of the container.
func (c *Container) View() View {
	return View{c: c}
}

// Get decrypts name. ok is false when the name is absent or the container
// has been destroyed; use Container.Get to tell the cases apart.
func (v View) Get(name string) (value string, ok bool) {
	s, err := v.c.Get(name)
	if err != nil {
		return "", false
	}
	return s, true
}

// Lookup decrypts name and reports any error.
func (v View) Lookup(name string) (string, error) {
	return v.c.Get(name)
}

func (v View) Contains(name string) bool {
	return v.c.Contains(name)
}

func (v View) Keys() []string {
	return v.c.Keys()
}

func (v View) Len() int {
	return v.c.Len()
}
